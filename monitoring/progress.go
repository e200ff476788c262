package monitoring

import "github.com/printhost/dcs/model"

// A ProgressBar is the progress of the selected job file in bytes.
type ProgressBar struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Total      uint64 `json:"total"`
	Finished   uint64 `json:"finished"`
	Paused     bool   `json:"paused"`
	Simulating bool   `json:"simulating"`
}

// Percent returns how much of the file has been processed.
func (b *ProgressBar) Percent() float64 {
	if b.Total == 0 {
		return 0
	}

	return 100 * float64(b.Finished) / float64(b.Total)
}

// jobProgress returns the bar of a job, or nil if no file is selected.
func jobProgress(job model.Job) *ProgressBar {
	if job.File == nil {
		return nil
	}

	finished := uint64(max(job.FilePosition, 0))
	total := uint64(max(job.File.Size, 0))

	return &ProgressBar{
		ID:         "job",
		Name:       job.File.FileName,
		Total:      total,
		Finished:   min(finished, total),
		Paused:     job.Paused,
		Simulating: job.Simulating,
	}
}
