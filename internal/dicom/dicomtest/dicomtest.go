// Package dicomtest provides a text stand-in for DICOM blobs so pipeline
// tests can run without binary fixtures.
//
// A fake blob is the header "DICM-KV" followed by KEYWORD=value lines, e.g.
//
//	DICM-KV
//	PatientID=P1
//	StudyInstanceUID=1.2.3
package dicomtest

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/brensch/dicomstage/internal/dicom"
	"github.com/brensch/dicomstage/internal/domain"
)

const header = "DICM-KV"

var ErrNotDICOM = errors.New("missing DICM-KV header")

// Encode renders keyword/value pairs as a fake blob, keys sorted.
func Encode(values map[string]string) []byte {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(header + "\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, values[k])
	}
	return []byte(b.String())
}

// Decode parses a fake blob back into keyword/value pairs.
func Decode(data []byte) (map[string]string, error) {
	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 || lines[0] != header {
		return nil, ErrNotDICOM
	}
	out := make(map[string]string)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("malformed line %q", line)
		}
		out[k] = v
	}
	return out, nil
}

// Parser implements dicom.Parser over fake blobs.
type Parser struct{}

func (Parser) Parse(data []byte) (*domain.FileMetadata, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return &domain.FileMetadata{
		PatientID:         v["PatientID"],
		PatientName:       v["PatientName"],
		StudyInstanceUID:  v["StudyInstanceUID"],
		StudyDate:         v["StudyDate"],
		StudyDescription:  v["StudyDescription"],
		SeriesInstanceUID: v["SeriesInstanceUID"],
		SeriesDescription: v["SeriesDescription"],
		Modality:          v["Modality"],
		SOPInstanceUID:    v["SOPInstanceUID"],
		InstanceNumber:    v["InstanceNumber"],
	}, nil
}

// Anonymizer implements dicom.Anonymizer over fake blobs. It replaces
// PatientName, applies overrides and marks the blob with Anonymized=YES.
// Blobs whose PatientName is "PANIC" make it panic.
type Anonymizer struct{}

func (Anonymizer) Anonymize(data []byte, profile dicom.Profile) ([]byte, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if v["PatientName"] == "PANIC" {
		panic("anonymizer blew up")
	}
	if _, ok := v["PatientName"]; ok {
		v["PatientName"] = profile.DefaultReplacement
	}
	for k, val := range profile.Overrides {
		v[k] = val
	}
	v["Anonymized"] = "YES"
	return Encode(v), nil
}

// Preparer implements dicom.Preparer over fake blobs, filling the same
// keywords as dicom.EnsureRequired. Study and series UIDs are derived from the
// patient the same way.
type Preparer struct{}

func (Preparer) Prepare(data []byte, defaults dicom.RequiredDefaults) ([]byte, []string, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, nil, err
	}
	fill := []struct {
		key   string
		value func() string
	}{
		{"StudyDate", func() string { return "20000101" }},
		{"SeriesDate", func() string { return "20000101" }},
		{"StudyTime", func() string { return "000000" }},
		{"PatientID", func() string { return orUnknown(defaults.PatientID) }},
		{"PatientName", func() string { return orUnknown(defaults.PatientName) }},
		{"StudyInstanceUID", func() string { return dicom.RemapUID(v["PatientID"] + "|Unknown-20000101") }},
		{"SeriesInstanceUID", func() string { return dicom.RemapUID(v["PatientID"] + "|" + v["StudyInstanceUID"] + "|Unknown") }},
		{"SOPInstanceUID", func() string { return "2.25.3" }},
	}
	var filled []string
	for _, f := range fill {
		if v[f.key] == "" {
			v[f.key] = f.value()
			filled = append(filled, f.key)
		}
	}
	if len(filled) == 0 {
		return data, nil, nil
	}
	return Encode(v), filled, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// Member is one file inside a test archive.
type Member struct {
	Name string
	Data []byte
}

// Zip builds an archive of members in order.
func Zip(members []Member) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		w, err := zw.Create(m.Name)
		if err != nil {
			panic(err)
		}
		if _, err := w.Write(m.Data); err != nil {
			panic(err)
		}
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Scenario returns studies x series x files fake blobs. Study s belongs to
// patient P<s>; every file is padded to size bytes when size is larger than
// its encoding.
func Scenario(studies, seriesPerStudy, filesPerSeries, size int) []Member {
	var out []Member
	for s := 1; s <= studies; s++ {
		for se := 1; se <= seriesPerStudy; se++ {
			for f := 1; f <= filesPerSeries; f++ {
				values := map[string]string{
					"PatientID":         fmt.Sprintf("P%d", s),
					"PatientName":       fmt.Sprintf("Patient^%d", s),
					"StudyInstanceUID":  fmt.Sprintf("1.2.840.%d", s),
					"StudyDate":         fmt.Sprintf("2024010%d", s),
					"SeriesInstanceUID": fmt.Sprintf("1.2.840.%d.%d", s, se),
					"Modality":          "CT",
					"InstanceNumber":    fmt.Sprint(f),
				}
				data := Encode(values)
				if pad := size - len(data); pad > 0 {
					values["Padding"] = strings.Repeat("x", pad)
					data = Encode(values)
				}
				out = append(out, Member{
					Name: fmt.Sprintf("s%d/se%d/IM%04d.dcm", s, se, f),
					Data: data,
				})
			}
		}
	}
	return out
}
