package dicom

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	dcm "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/brensch/dicomstage/internal/domain"
)

// Profile configures de-identification.
type Profile struct {
	// DefaultReplacement is written into every identifying element present.
	DefaultReplacement string
	// Overrides maps a DICOM keyword (e.g. "PatientName") to a fixed value.
	// Overrides win over every other rule and are added when absent.
	Overrides map[string]string
	// DateShiftDays moves every date element by the same offset so intervals
	// between studies are preserved.
	DateShiftDays int
	// PseudonymizePatientID replaces PatientID with a stable pseudonym so
	// distinct patients stay distinct after anonymization.
	PseudonymizePatientID bool
	// RemapUIDs rewrites study, series and instance UIDs to stable 2.25 UIDs.
	RemapUIDs bool
}

// DefaultProfile is used when no configuration is supplied.
func DefaultProfile() Profile {
	return Profile{
		DefaultReplacement:    "ANONYMIZED",
		PseudonymizePatientID: true,
	}
}

var identifyingTags = []tag.Tag{
	tag.PatientName,
	tag.PatientBirthDate,
	tag.PatientBirthTime,
	tag.PatientAge,
	tag.PatientAddress,
	tag.PatientTelephoneNumbers,
	tag.OtherPatientIDs,
	tag.PatientMotherBirthName,
	tag.MilitaryRank,
	tag.EthnicGroup,
	tag.PatientReligiousPreference,
	tag.PatientComments,
	tag.InstitutionAddress,
	tag.InstitutionalDepartmentName,
	tag.StationName,
	tag.ReferringPhysicianName,
	tag.ReferringPhysicianAddress,
	tag.ReferringPhysicianTelephoneNumbers,
	tag.PerformingPhysicianName,
	tag.OperatorsName,
	tag.PhysiciansOfRecord,
	tag.NameOfPhysiciansReadingStudy,
	tag.RequestingPhysician,
	tag.AccessionNumber,
	tag.StudyID,
}

// Times are cleared rather than replaced.
var timeTags = []tag.Tag{
	tag.StudyTime,
	tag.SeriesTime,
	tag.AcquisitionTime,
	tag.ContentTime,
	tag.InstanceCreationTime,
}

var dateTags = []tag.Tag{
	tag.StudyDate,
	tag.SeriesDate,
	tag.AcquisitionDate,
	tag.ContentDate,
	tag.InstanceCreationDate,
}

var uidTags = []tag.Tag{
	tag.StudyInstanceUID,
	tag.SeriesInstanceUID,
	tag.SOPInstanceUID,
	tag.MediaStorageSOPInstanceUID,
}

var pseudonymNamespace = uuid.MustParse("6f1c5a36-3f1e-4d0e-9a4e-2b7d3c8e1f50")

// Anonymize parses data, applies profile and re-encodes the dataset.
func (c *Codec) Anonymize(data []byte, profile Profile) ([]byte, error) {
	ds, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := ApplyProfile(&ds, profile); err != nil {
		return nil, err
	}
	return encode(ds)
}

// ApplyProfile de-identifies ds in place.
func ApplyProfile(ds *dcm.Dataset, profile Profile) error {
	for _, t := range identifyingTags {
		if !present(ds, t) {
			continue
		}
		if err := setString(ds, t, profile.DefaultReplacement); err != nil {
			return err
		}
	}
	for _, t := range timeTags {
		if !present(ds, t) {
			continue
		}
		if err := setString(ds, t, ""); err != nil {
			return err
		}
	}
	if profile.DateShiftDays != 0 {
		for _, t := range dateTags {
			raw := stringValue(ds, t)
			if raw == "" {
				continue
			}
			if err := setString(ds, t, shiftDate(raw, profile.DateShiftDays)); err != nil {
				return err
			}
		}
	}
	if profile.PseudonymizePatientID {
		if id := stringValue(ds, tag.PatientID); id != "" {
			if err := setString(ds, tag.PatientID, Pseudonym(id)); err != nil {
				return err
			}
		}
	}
	if profile.RemapUIDs {
		for _, t := range uidTags {
			uid := stringValue(ds, t)
			if uid == "" {
				continue
			}
			if err := setString(ds, t, RemapUID(uid)); err != nil {
				return err
			}
		}
	}
	for keyword, value := range profile.Overrides {
		info, err := tag.FindByName(keyword)
		if err != nil {
			return &domain.ValidationError{Field: "anonymize.overrides", Msg: fmt.Sprintf("unknown DICOM keyword %q", keyword)}
		}
		if err := setString(ds, info.Tag, value); err != nil {
			return err
		}
	}
	return nil
}

// Pseudonym derives a stable replacement patient id.
func Pseudonym(patientID string) string {
	u := uuid.NewSHA1(pseudonymNamespace, []byte(patientID))
	return "ANON-" + u.String()[:8]
}

// RemapUID derives a stable UID under the 2.25 (UUID-derived) root.
func RemapUID(uid string) string {
	u := uuid.NewSHA1(pseudonymNamespace, []byte(uid))
	return "2.25." + new(big.Int).SetBytes(u[:]).String()
}

// shiftDate moves a DA value (YYYYMMDD) by days. Unparseable values are
// returned unchanged.
func shiftDate(raw string, days int) string {
	d, err := time.Parse("20060102", raw)
	if err != nil {
		return raw
	}
	return d.AddDate(0, 0, days).Format("20060102")
}

func present(ds *dcm.Dataset, t tag.Tag) bool {
	elem, err := ds.FindElementByTag(t)
	return err == nil && elem != nil
}
