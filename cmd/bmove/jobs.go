package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/franksops/blobmover/store"
)

// listJobs prints every recorded job, oldest ID first, with enough detail to
// tell which ones the next identical command would resume.
func listJobs(st store.Store, w io.Writer) error {
	records, err := st.ListJobs()
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No recorded jobs.")
		return err
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("JOB", "STATE", "PROGRESS", "RESUMABLE", "SOURCE", "DESTINATION", "UPDATED", "ERROR")
	for _, r := range records {
		resumable := "no"
		if r.Resumable() {
			resumable = fmt.Sprintf("yes @%d", r.NextOffset)
		}
		t.Row(
			r.ID,
			string(r.State),
			fmt.Sprintf("%d/%d", r.BytesTransferred, r.TotalBytes),
			resumable,
			r.Source,
			r.Destination,
			r.UpdatedAt.Format("2006-01-02 15:04:05"),
			r.Error,
		)
	}
	_, err = fmt.Fprintln(w, t.Render())
	return err
}
