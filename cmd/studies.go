package cmd

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/tree"
	"github.com/spf13/cobra"

	"github.com/brensch/dicomstage/internal/domain"
)

var (
	headerText = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	studyText  = lipgloss.NewStyle().Foreground(lipgloss.Color("79"))
	dimText    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	warnText   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorText  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

var studiesShowFiles bool

var studiesCmd = &cobra.Command{
	Use:   "studies",
	Short: "List the studies and series in the workspace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		studies := getWorkspace().Studies()
		out := cmd.OutOrStdout()
		if len(studies) == 0 {
			fmt.Fprintln(out, dimText.Render("No studies in the workspace."))
			return nil
		}
		fmt.Fprintln(out, studiesTree(studies, studiesShowFiles))
		return nil
	},
}

func studiesTree(studies []domain.Study, showFiles bool) *tree.Tree {
	root := tree.Root(headerText.Render(fmt.Sprintf("%d studies", len(studies))))
	for _, st := range studies {
		label := fmt.Sprintf("%s  %s", studyText.Render(st.ID), dimText.Render(fmt.Sprintf("patient %s, %s %s", st.PatientName, st.StudyDate, st.StudyDescription)))
		node := tree.Root(label)
		for _, se := range st.Series {
			var missing int
			for _, f := range se.Files {
				if f.Placeholder {
					missing++
				}
			}
			seLabel := fmt.Sprintf("%s %s (%d files)", se.Modality, se.SeriesDescription, len(se.Files))
			if missing > 0 {
				seLabel += warnText.Render(fmt.Sprintf(" %d missing", missing))
			}
			seNode := tree.Root(seLabel)
			if showFiles {
				for _, f := range se.Files {
					seNode.Child(fileLabel(f))
				}
			}
			node.Child(seNode)
		}
		root.Child(node)
	}
	return root
}

func fileLabel(f domain.StoredFile) string {
	label := fmt.Sprintf("%s %s", f.FileName, dimText.Render(fmt.Sprintf("%d bytes", f.FileSize)))
	switch {
	case f.Placeholder:
		label += warnText.Render(" missing: " + f.RestoreError)
	case f.Anonymized:
		label += studyText.Render(" anonymized")
	}
	return label
}

func init() {
	studiesCmd.Flags().BoolVarP(&studiesShowFiles, "files", "f", false, "List every file under its series")
}
