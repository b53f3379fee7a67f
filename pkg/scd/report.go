package scd

import (
	"time"

	"github.com/samber/lo"
)

// Report summarizes one run of a job.
type Report struct {
	Job       string         `json:"job"`
	Table     string         `json:"table"`
	Mode      string         `json:"mode"`
	Processed int            `json:"processed"`
	Dropped   map[string]int `json:"dropped"`
	Counts    Counts         `json:"counts"`
	// Attempts is the number of plan-and-commit cycles the run needed.
	Attempts    int           `json:"attempts"`
	KeyErrors   []*KeyError   `json:"-"`
	LateRecords []LateRecord  `json:"late_records,omitempty"`
	DryRun      bool          `json:"dry_run"`
	Committed   bool          `json:"committed"`
	Duration    time.Duration `json:"duration"`
}

// DroppedTotal sums the records dropped for any reason.
func (r *Report) DroppedTotal() int {
	return lo.Sum(lo.Values(r.Dropped))
}

// KeyErrorMessages renders the per-key failures for printing.
func (r *Report) KeyErrorMessages() []string {
	return lo.Map(r.KeyErrors, func(e *KeyError, _ int) string { return e.Error() })
}
