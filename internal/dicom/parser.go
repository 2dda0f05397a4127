// Package dicom holds the DICOM collaborators used by the pipeline: a metadata
// parser, a profile-driven anonymizer and the required-element audit. The
// orchestration layer only sees the Parser and Anonymizer interfaces.
package dicom

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	dcm "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/brensch/dicomstage/internal/domain"
)

// Parser extracts grouping metadata from a DICOM blob.
type Parser interface {
	Parse(data []byte) (*domain.FileMetadata, error)
}

// Anonymizer rewrites a DICOM blob according to a Profile.
type Anonymizer interface {
	Anonymize(data []byte, profile Profile) ([]byte, error)
}

// Preparer fills elements the anonymizer requires but a blob lacks.
type Preparer interface {
	Prepare(data []byte, defaults RequiredDefaults) ([]byte, []string, error)
}

// Codec is the suyashkumar/dicom backed Parser, Preparer and Anonymizer.
type Codec struct{}

func NewCodec() *Codec { return &Codec{} }

// Parse reads the dataset without pixel data and returns its metadata.
func (c *Codec) Parse(data []byte) (*domain.FileMetadata, error) {
	ds, err := dcm.Parse(bytes.NewReader(data), int64(len(data)), nil, dcm.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("parse dicom: %w", err)
	}
	return ExtractMetadata(&ds), nil
}

// ExtractMetadata copies the grouping attributes out of a parsed dataset.
func ExtractMetadata(ds *dcm.Dataset) *domain.FileMetadata {
	return &domain.FileMetadata{
		PatientID:         stringValue(ds, tag.PatientID),
		PatientName:       stringValue(ds, tag.PatientName),
		StudyInstanceUID:  stringValue(ds, tag.StudyInstanceUID),
		StudyDate:         stringValue(ds, tag.StudyDate),
		StudyDescription:  stringValue(ds, tag.StudyDescription),
		SeriesInstanceUID: stringValue(ds, tag.SeriesInstanceUID),
		SeriesDescription: stringValue(ds, tag.SeriesDescription),
		Modality:          stringValue(ds, tag.Modality),
		SOPInstanceUID:    stringValue(ds, tag.SOPInstanceUID),
		InstanceNumber:    stringValue(ds, tag.InstanceNumber),
		TransferSyntaxUID: stringValue(ds, tag.TransferSyntaxUID),
	}
}

// stringValue returns the first value of t, trimmed of DICOM padding.
// Missing elements and non-textual values yield "".
func stringValue(ds *dcm.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil || elem.Value == nil {
		return ""
	}
	switch v := elem.Value.GetValue().(type) {
	case []string:
		if len(v) > 0 {
			return strings.TrimSpace(strings.TrimRight(v[0], "\x00"))
		}
	case []int:
		if len(v) > 0 {
			return strconv.Itoa(v[0])
		}
	}
	return ""
}

// setString replaces the value of t, adding the element when absent.
func setString(ds *dcm.Dataset, t tag.Tag, value string) error {
	elem, err := ds.FindElementByTag(t)
	if err == nil && elem != nil {
		v, err := dcm.NewValue([]string{value})
		if err != nil {
			return fmt.Errorf("build value for %s: %w", t, err)
		}
		elem.Value = v
		return nil
	}
	added, err := dcm.NewElement(t, []string{value})
	if err != nil {
		return fmt.Errorf("build element %s: %w", t, err)
	}
	ds.Elements = append(ds.Elements, added)
	sortElements(ds)
	return nil
}

func sortElements(ds *dcm.Dataset) {
	sort.SliceStable(ds.Elements, func(i, j int) bool {
		a, b := ds.Elements[i].Tag, ds.Elements[j].Tag
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Element < b.Element
	})
}

func encode(ds dcm.Dataset) ([]byte, error) {
	var buf bytes.Buffer
	if err := dcm.Write(&buf, ds, dcm.SkipVRVerification(), dcm.SkipValueTypeVerification()); err != nil {
		return nil, fmt.Errorf("write dicom: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (dcm.Dataset, error) {
	ds, err := dcm.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return dcm.Dataset{}, fmt.Errorf("parse dicom: %w", err)
	}
	return ds, nil
}
