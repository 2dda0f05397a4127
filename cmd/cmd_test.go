package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/brensch/dicomstage/internal/domain"
	"github.com/brensch/dicomstage/internal/orchestrator"
	"github.com/brensch/dicomstage/internal/pool"
)

func TestStudiesTree(t *testing.T) {
	studies := []domain.Study{{
		ID: "P1-20250301", PatientName: "Doe^Jane", StudyDate: "20250301", StudyDescription: "CT HEAD",
		Series: []domain.Series{{
			Modality: "CT", SeriesDescription: "AXIAL",
			Files: []domain.StoredFile{
				{FileName: "IM1.dcm", FileSize: 10, Anonymized: true},
				{FileName: "IM2.dcm", Placeholder: true, RestoreError: "file not found in local store"},
			},
		}},
	}}

	tests := []struct {
		name      string
		showFiles bool
		want      []string
		notWant   []string
	}{
		{"series only", false, []string{"1 studies", "P1-20250301", "Doe^Jane", "CT AXIAL (2 files)", "1 missing"}, []string{"IM1.dcm"}},
		{"with files", true, []string{"IM1.dcm", "anonymized", "IM2.dcm", "missing: file not found"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := studiesTree(studies, tt.showFiles).String()
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("tree missing %q:\n%s", w, got)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(got, w) {
					t.Errorf("tree unexpectedly contains %q", w)
				}
			}
		})
	}
}

func TestPrintStatus(t *testing.T) {
	st := orchestrator.Status{
		Files: 4, Studies: 1, Series: 2, Anonymized: 3, Placeholders: 1, Bytes: 4096,
		Pools: []pool.Status{{Name: "send", TotalWorkers: 2, Completed: 1}},
		Workers: map[string][]pool.WorkerDetail{
			"send": {{ID: 1, State: pool.WorkerIdle}, {ID: 0, State: pool.WorkerBusy, JobID: "job-7"}},
		},
	}
	var buf bytes.Buffer
	printStatus(&buf, st)
	got := buf.String()
	for _, w := range []string{"files 4", "anonymized 3", "1 files could not be restored", "Pool send", "workers 2", "job-7"} {
		if !strings.Contains(got, w) {
			t.Errorf("status missing %q:\n%s", w, got)
		}
	}
	if strings.Index(got, "#0") > strings.Index(got, "#1") {
		t.Errorf("workers not sorted by id:\n%s", got)
	}
}
