package domain

import "strings"

// FileMetadata holds the DICOM attributes the pipeline needs for grouping,
// packaging and display. Every field is optional; grouping substitutes
// sentinel values for missing identifiers.
type FileMetadata struct {
	PatientID         string `json:"patientId,omitempty"`
	PatientName       string `json:"patientName,omitempty"`
	StudyInstanceUID  string `json:"studyInstanceUid,omitempty"`
	StudyDate         string `json:"studyDate,omitempty"`
	StudyDescription  string `json:"studyDescription,omitempty"`
	SeriesInstanceUID string `json:"seriesInstanceUid,omitempty"`
	SeriesDescription string `json:"seriesDescription,omitempty"`
	Modality          string `json:"modality,omitempty"`
	SOPInstanceUID    string `json:"sopInstanceUid,omitempty"`
	InstanceNumber    string `json:"instanceNumber,omitempty"`
	TransferSyntaxUID string `json:"transferSyntaxUid,omitempty"`
}

// StoredFile is one ingested DICOM instance. Data is owned by the durable
// store once persisted; a restore placeholder has an empty Data slice,
// Placeholder set and RestoreError explaining why the bytes are missing.
type StoredFile struct {
	ID           string        `json:"id"`
	FileName     string        `json:"fileName"`
	FileSize     int64         `json:"fileSize"`
	Data         []byte        `json:"-"`
	Metadata     *FileMetadata `json:"metadata,omitempty"`
	Anonymized   bool          `json:"anonymized"`
	Placeholder  bool          `json:"placeholder,omitempty"`
	RestoreError string        `json:"restoreError,omitempty"`
}

// Series groups files of one acquisition run.
type Series struct {
	SeriesInstanceUID string       `json:"seriesInstanceUid"`
	SeriesDescription string       `json:"seriesDescription"`
	Modality          string       `json:"modality"`
	Files             []StoredFile `json:"files"`
}

// Study is keyed by (PatientID, StudyInstanceUID); ID is that composite key.
type Study struct {
	ID               string   `json:"id"`
	StudyInstanceUID string   `json:"studyInstanceUid"`
	PatientID        string   `json:"patientId"`
	PatientName      string   `json:"patientName"`
	StudyDate        string   `json:"studyDate"`
	StudyDescription string   `json:"studyDescription"`
	Series           []Series `json:"series"`
}

var keyEscaper = strings.NewReplacer("%", "%25", "/", "%2F")

// StudyKey builds the composite identifier used for Study.ID. A '/' inside
// the patient id is escaped so distinct pairs never share a key.
func StudyKey(patientID, studyInstanceUID string) string {
	return keyEscaper.Replace(patientID) + "/" + studyInstanceUID
}

// FileCount returns the number of files across all series.
func (s Study) FileCount() int {
	n := 0
	for _, se := range s.Series {
		n += len(se.Files)
	}
	return n
}

// TotalBytes sums FileSize across all series.
func (s Study) TotalBytes() int64 {
	var n int64
	for _, se := range s.Series {
		for _, f := range se.Files {
			n += f.FileSize
		}
	}
	return n
}

// Matches reports whether id selects this study, either by composite key
// or by bare StudyInstanceUID.
func (s Study) Matches(id string) bool {
	return id == s.ID || id == s.StudyInstanceUID
}

// PersistedFile is the lightweight projection of a StoredFile written to the
// session metadata store. It never carries binary data.
type PersistedFile struct {
	ID         string        `json:"id"`
	Position   int           `json:"position"`
	FileName   string        `json:"fileName"`
	FileSize   int64         `json:"fileSize"`
	Anonymized bool          `json:"anonymized"`
	Metadata   *FileMetadata `json:"metadata,omitempty"`
}

// Project converts manifest files into their persisted projection, keeping order.
func Project(files []StoredFile) []PersistedFile {
	out := make([]PersistedFile, 0, len(files))
	for i, f := range files {
		out = append(out, PersistedFile{
			ID:         f.ID,
			Position:   i,
			FileName:   f.FileName,
			FileSize:   f.FileSize,
			Anonymized: f.Anonymized,
			Metadata:   f.Metadata,
		})
	}
	return out
}
