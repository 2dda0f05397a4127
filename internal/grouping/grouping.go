// Package grouping builds the patient / study / series hierarchy from a flat
// file list. Group is pure: the same files in any order produce the same tree.
package grouping

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/brensch/dicomstage/internal/domain"
)

const (
	UnknownPatient  = "Unknown"
	UnknownSeries   = "Unknown"
	UnknownStudy    = "Unknown-"
	DefaultModality = "OT"
)

// Group groups files using the current date for the unknown-study fallback.
func Group(files []domain.StoredFile) []domain.Study {
	return GroupAt(files, time.Now())
}

// GroupAt groups files, using now for the "Unknown-YYYYMMDD" study id of
// files without a StudyInstanceUID. Files without metadata are excluded.
func GroupAt(files []domain.StoredFile, now time.Time) []domain.Study {
	unknownStudy := UnknownStudy + now.Format("20060102")

	type studyKey struct{ patientID, studyUID string }
	studies := make(map[studyKey]*domain.Study)
	seriesByStudy := make(map[studyKey]map[string]*domain.Series)

	for _, f := range files {
		md := f.Metadata
		if md == nil {
			continue
		}
		patientID := orDefault(md.PatientID, UnknownPatient)
		studyUID := orDefault(md.StudyInstanceUID, unknownStudy)
		seriesUID := orDefault(md.SeriesInstanceUID, UnknownSeries)

		key := studyKey{patientID, studyUID}
		st, ok := studies[key]
		if !ok {
			st = &domain.Study{
				ID:               domain.StudyKey(patientID, studyUID),
				StudyInstanceUID: studyUID,
				PatientID:        patientID,
			}
			studies[key] = st
			seriesByStudy[key] = make(map[string]*domain.Series)
		}

		se, ok := seriesByStudy[key][seriesUID]
		if !ok {
			se = &domain.Series{SeriesInstanceUID: seriesUID}
			seriesByStudy[key][seriesUID] = se
		}
		se.Files = append(se.Files, f)
	}

	out := make([]domain.Study, 0, len(studies))
	for key, st := range studies {
		series := make([]domain.Series, 0, len(seriesByStudy[key]))
		for _, se := range seriesByStudy[key] {
			sortFiles(se.Files)
			series = append(series, *se)
		}
		sort.Slice(series, func(i, j int) bool {
			return series[i].SeriesInstanceUID < series[j].SeriesInstanceUID
		})
		st.Series = series
		// Descriptive fields come from the first file in canonical order so
		// the result does not depend on input order.
		fillDescriptions(st)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.PatientID != b.PatientID {
			return a.PatientID < b.PatientID
		}
		if a.StudyDate != b.StudyDate {
			return a.StudyDate < b.StudyDate
		}
		return a.StudyInstanceUID < b.StudyInstanceUID
	})
	return out
}

// Flatten returns every file of studies in tree order.
func Flatten(studies []domain.Study) []domain.StoredFile {
	var files []domain.StoredFile
	for _, st := range studies {
		for _, se := range st.Series {
			files = append(files, se.Files...)
		}
	}
	return files
}

// Select returns the studies matching any of ids (composite key or bare
// StudyInstanceUID), in tree order.
func Select(studies []domain.Study, ids []string) []domain.Study {
	var out []domain.Study
	for _, st := range studies {
		for _, id := range ids {
			if st.Matches(id) {
				out = append(out, st)
				break
			}
		}
	}
	return out
}

// fillDescriptions takes the first non-empty value of each descriptive field.
func fillDescriptions(st *domain.Study) {
	for si := range st.Series {
		se := &st.Series[si]
		for _, f := range se.Files {
			md := f.Metadata
			if st.PatientName == "" {
				st.PatientName = md.PatientName
			}
			if st.StudyDate == "" {
				st.StudyDate = md.StudyDate
			}
			if st.StudyDescription == "" {
				st.StudyDescription = md.StudyDescription
			}
			if se.SeriesDescription == "" {
				se.SeriesDescription = md.SeriesDescription
			}
			if se.Modality == "" {
				se.Modality = md.Modality
			}
		}
		se.Modality = orDefault(se.Modality, DefaultModality)
	}
}

// sortFiles orders by numeric InstanceNumber, then FileName, then ID. Files
// without a parseable instance number sort after numbered ones.
func sortFiles(files []domain.StoredFile) {
	sort.SliceStable(files, func(i, j int) bool {
		a, b := files[i], files[j]
		na, oka := instanceNumber(a)
		nb, okb := instanceNumber(b)
		if oka != okb {
			return oka
		}
		if oka && na != nb {
			return na < nb
		}
		if a.FileName != b.FileName {
			return a.FileName < b.FileName
		}
		return a.ID < b.ID
	})
}

func instanceNumber(f domain.StoredFile) (int, bool) {
	if f.Metadata == nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(f.Metadata.InstanceNumber))
	if err != nil {
		return 0, false
	}
	return n, true
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
