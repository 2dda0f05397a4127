package grouping

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/brensch/dicomstage/internal/domain"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func file(id, patient, study, series, instance string) domain.StoredFile {
	return domain.StoredFile{
		ID:       id,
		FileName: id + ".dcm",
		FileSize: 10,
		Metadata: &domain.FileMetadata{
			PatientID:         patient,
			PatientName:       "Name^" + patient,
			StudyInstanceUID:  study,
			StudyDate:         "20240101",
			SeriesInstanceUID: series,
			Modality:          "MR",
			InstanceNumber:    instance,
		},
	}
}

// scenarioFiles builds 3 studies x 3 series x 2 files.
func scenarioFiles() []domain.StoredFile {
	var files []domain.StoredFile
	n := 0
	for s := 1; s <= 3; s++ {
		for se := 1; se <= 3; se++ {
			for i := 1; i <= 2; i++ {
				n++
				files = append(files, file(
					fmt.Sprintf("f%02d", n),
					fmt.Sprintf("P%d", s),
					fmt.Sprintf("1.2.%d", s),
					fmt.Sprintf("1.2.%d.%d", s, se),
					fmt.Sprint(i),
				))
			}
		}
	}
	return files
}

func TestGroupAt_Scenario(t *testing.T) {
	studies := GroupAt(scenarioFiles(), fixedNow)
	if len(studies) != 3 {
		t.Fatalf("got %d studies, want 3", len(studies))
	}
	series, files := 0, 0
	for _, st := range studies {
		series += len(st.Series)
		files += st.FileCount()
		if st.ID != domain.StudyKey(st.PatientID, st.StudyInstanceUID) {
			t.Errorf("study ID = %q, want composite key", st.ID)
		}
	}
	if series != 9 || files != 18 {
		t.Errorf("got %d series / %d files, want 9 / 18", series, files)
	}
}

func TestGroupAt_PermutationInvariant(t *testing.T) {
	files := scenarioFiles()
	want := GroupAt(files, fixedNow)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := append([]domain.StoredFile(nil), files...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		if got := GroupAt(shuffled, fixedNow); !reflect.DeepEqual(got, want) {
			t.Fatalf("permutation %d produced a different tree", i)
		}
	}
}

func TestGroupAt_Idempotent(t *testing.T) {
	once := GroupAt(scenarioFiles(), fixedNow)
	twice := GroupAt(Flatten(once), fixedNow)
	if !reflect.DeepEqual(once, twice) {
		t.Error("Group(Flatten(Group(x))) != Group(x)")
	}
}

func TestGroupAt_Fallbacks(t *testing.T) {
	files := []domain.StoredFile{
		{ID: "no-meta", FileName: "x.dcm"},
		{ID: "bare", FileName: "bare.dcm", Metadata: &domain.FileMetadata{}},
	}
	studies := GroupAt(files, fixedNow)
	if len(studies) != 1 {
		t.Fatalf("got %d studies, want 1 (file without metadata excluded)", len(studies))
	}
	st := studies[0]
	if st.PatientID != UnknownPatient || st.StudyInstanceUID != "Unknown-20250601" {
		t.Errorf("study = %s/%s, want Unknown/Unknown-20250601", st.PatientID, st.StudyInstanceUID)
	}
	if se := st.Series[0]; se.SeriesInstanceUID != UnknownSeries || se.Modality != DefaultModality {
		t.Errorf("series = %s (%s), want Unknown (OT)", se.SeriesInstanceUID, se.Modality)
	}
}

func TestGroupAt_FileOrder(t *testing.T) {
	files := []domain.StoredFile{
		file("c", "P", "S", "SE", "10"),
		file("a", "P", "S", "SE", "2"),
		file("d", "P", "S", "SE", ""),
		file("b", "P", "S", "SE", "2"),
	}
	got := GroupAt(files, fixedNow)[0].Series[0].Files
	var ids []string
	for _, f := range got {
		ids = append(ids, f.ID)
	}
	want := []string{"a", "b", "c", "d"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("file order = %v, want %v", ids, want)
	}
}

func TestGroupAt_SamePatientTwoStudies(t *testing.T) {
	a := file("1", "P1", "1.9.1", "1.9.1.1", "1")
	b := file("2", "P1", "1.9.2", "1.9.2.1", "1")
	b.Metadata.StudyDate = "20230101"
	studies := GroupAt([]domain.StoredFile{a, b}, fixedNow)
	if len(studies) != 2 {
		t.Fatalf("got %d studies, want 2", len(studies))
	}
	if studies[0].StudyInstanceUID != "1.9.2" {
		t.Errorf("first study = %s, want the earlier-dated 1.9.2", studies[0].StudyInstanceUID)
	}
}

func TestGroupAt_PatientsNeverMerged(t *testing.T) {
	tests := []struct {
		name  string
		files []domain.StoredFile
		want  int
	}{
		{
			name: "same study uid under two patients",
			files: []domain.StoredFile{
				file("1", "P1", "1.9.1", "1.9.1.1", "1"),
				file("2", "P2", "1.9.1", "1.9.1.1", "1"),
			},
			want: 2,
		},
		{
			name: "separator inside patient id",
			files: []domain.StoredFile{
				file("1", "A/B", "C", "S", "1"),
				file("2", "A", "B/C", "S", "1"),
				file("3", "A/B/C", "D", "S", "1"),
				file("4", "A", "B/C/D", "S", "1"),
			},
			want: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			studies := GroupAt(tt.files, fixedNow)
			if len(studies) != tt.want {
				t.Fatalf("got %d studies, want %d", len(studies), tt.want)
			}
			ids := make(map[string]bool)
			for _, st := range studies {
				if st.FileCount() != 1 {
					t.Errorf("study %q (patient %q) has %d files, want 1", st.ID, st.PatientID, st.FileCount())
				}
				if f := st.Series[0].Files[0]; f.Metadata.PatientID != st.PatientID {
					t.Errorf("study %q owned by %q holds a file of %q", st.ID, st.PatientID, f.Metadata.PatientID)
				}
				if ids[st.ID] {
					t.Errorf("duplicate study id %q", st.ID)
				}
				ids[st.ID] = true
			}
		})
	}
}

func TestSelect(t *testing.T) {
	studies := GroupAt(scenarioFiles(), fixedNow)
	got := Select(studies, []string{"1.2.3", domain.StudyKey("P1", "1.2.1"), "missing"})
	if len(got) != 2 || got[0].StudyInstanceUID != "1.2.1" || got[1].StudyInstanceUID != "1.2.3" {
		t.Errorf("Select() = %d studies, want 1.2.1 and 1.2.3 in tree order", len(got))
	}
}
