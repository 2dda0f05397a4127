package dicom

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	dcm "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// RequiredDefaults are the values written into elements the anonymizer
// expects but a file lacks.
type RequiredDefaults struct {
	PatientID   string
	PatientName string
	// Now stamps StudyDate, SeriesDate and StudyTime. Zero means time.Now.
	Now time.Time
}

// EnsureRequired adds any missing or empty required element to data and
// returns the re-encoded bytes along with the keywords that were filled. When
// nothing is missing the input is returned untouched.
func EnsureRequired(data []byte, defaults RequiredDefaults) ([]byte, []string, error) {
	ds, err := decode(data)
	if err != nil {
		return nil, nil, err
	}
	filled, err := EnsureRequiredDataset(&ds, defaults)
	if err != nil {
		return nil, nil, err
	}
	if len(filled) == 0 {
		return data, nil, nil
	}
	out, err := encode(ds)
	if err != nil {
		return nil, nil, err
	}
	return out, filled, nil
}

// Prepare implements Preparer with EnsureRequired.
func (c *Codec) Prepare(data []byte, defaults RequiredDefaults) ([]byte, []string, error) {
	return EnsureRequired(data, defaults)
}

// Seeds for filled study and series UIDs. They match the grouping fallbacks so
// files that grouped together before anonymization still share UIDs after it.
const (
	unknownStudy  = "Unknown-"
	unknownSeries = "Unknown"
)

// EnsureRequiredDataset is EnsureRequired on an already parsed dataset.
// Missing study and series UIDs are derived from the patient and parent UID,
// so they are stable across files; instance UIDs are always fresh.
func EnsureRequiredDataset(ds *dcm.Dataset, defaults RequiredDefaults) ([]string, error) {
	now := defaults.Now
	if now.IsZero() {
		now = time.Now()
	}
	patientID := defaults.PatientID
	if patientID == "" {
		patientID = "Unknown"
	}
	patientName := defaults.PatientName
	if patientName == "" {
		patientName = "Unknown"
	}

	required := []struct {
		keyword string
		tag     tag.Tag
		value   func() string
	}{
		{"StudyDate", tag.StudyDate, func() string { return now.Format("20060102") }},
		{"SeriesDate", tag.SeriesDate, func() string { return now.Format("20060102") }},
		{"StudyTime", tag.StudyTime, func() string { return now.Format("150405") }},
		{"PatientID", tag.PatientID, func() string { return patientID }},
		{"PatientName", tag.PatientName, func() string { return patientName }},
		{"StudyInstanceUID", tag.StudyInstanceUID, func() string {
			return RemapUID(stringValue(ds, tag.PatientID) + "|" + unknownStudy + now.Format("20060102"))
		}},
		{"SeriesInstanceUID", tag.SeriesInstanceUID, func() string {
			return RemapUID(stringValue(ds, tag.PatientID) + "|" + stringValue(ds, tag.StudyInstanceUID) + "|" + unknownSeries)
		}},
		{"SOPInstanceUID", tag.SOPInstanceUID, newUID},
	}

	var filled []string
	for _, r := range required {
		if stringValue(ds, r.tag) != "" {
			continue
		}
		if err := setString(ds, r.tag, r.value()); err != nil {
			return filled, fmt.Errorf("fill %s: %w", r.keyword, err)
		}
		filled = append(filled, r.keyword)
	}
	return filled, nil
}

func newUID() string {
	return RemapUID(uuid.NewString())
}
