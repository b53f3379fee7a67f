package job

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dimsync/dimsync/pkg/quality"
	"github.com/samber/lo"
)

// Mode is the SCD type a target table is stored as.
type Mode int

const (
	ModeType1 Mode = 1
	ModeType2 Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeType1:
		return "TYPE_1"
	case ModeType2:
		return "TYPE_2"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(m))
}

const (
	DefaultRescuedDataColumn = "_rescued_data"
	DefaultMaxRetries        = 3
)

var SourceTypes = []string{"ndjson", "csv", "sql"}

// Source describes where a job reads its change batch from.
type Source struct {
	Type       string         `yaml:"type" json:"type" jsonschema:"required,enum=ndjson,enum=csv,enum=sql"`
	Path       string         `yaml:"path,omitempty" json:"path,omitempty"`
	Query      string         `yaml:"query,omitempty" json:"query,omitempty"`
	Connection string         `yaml:"connection,omitempty" json:"connection,omitempty"`
	Options    map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
}

// Job is the declarative configuration of one entity's merge.
type Job struct {
	Name       string `yaml:"name" json:"name" jsonschema:"required"`
	Target     string `yaml:"target,omitempty" json:"target,omitempty"`
	Connection string `yaml:"connection,omitempty" json:"connection,omitempty"`

	StoredAsSCDType Mode     `yaml:"stored_as_scd_type" json:"stored_as_scd_type" jsonschema:"required,enum=1,enum=2"`
	Keys            []string `yaml:"keys" json:"keys" jsonschema:"required,minItems=1"`
	SequenceBy      string   `yaml:"sequence_by" json:"sequence_by" jsonschema:"required"`

	TrackHistoryColumnList       []string `yaml:"track_history_column_list,omitempty" json:"track_history_column_list,omitempty"`
	TrackHistoryExceptColumnList []string `yaml:"track_history_except_column_list,omitempty" json:"track_history_except_column_list,omitempty"`

	// Columns is the expected record schema. When empty, the first record of
	// each batch defines it.
	Columns           []string              `yaml:"columns,omitempty" json:"columns,omitempty"`
	Expectations      []quality.Expectation `yaml:"expectations,omitempty" json:"expectations,omitempty"`
	ApplyAsDeletes    string                `yaml:"apply_as_deletes,omitempty" json:"apply_as_deletes,omitempty"`
	RescuedDataColumn string                `yaml:"rescued_data_column,omitempty" json:"rescued_data_column,omitempty"`
	MaxRetries        int                   `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`

	Source Source `yaml:"source,omitempty" json:"source,omitempty"`
}

// Pipeline groups the merge jobs of one layer, e.g. the gold dimensions.
type Pipeline struct {
	Name              string `yaml:"name" json:"name" jsonschema:"required"`
	DefaultConnection string `yaml:"default_connection,omitempty" json:"default_connection,omitempty"`
	Jobs              []*Job `yaml:"jobs" json:"jobs" jsonschema:"required,minItems=1"`

	path string
}

func (p *Pipeline) Path() string {
	return p.path
}

func (p *Pipeline) GetJob(name string) *Job {
	for _, j := range p.Jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}

// ConnectionFor resolves the target connection of a job.
func (p *Pipeline) ConnectionFor(j *Job) string {
	if j.Connection != "" {
		return j.Connection
	}
	return p.DefaultConnection
}

// SourceConnectionFor resolves the connection a sql source reads from.
func (p *Pipeline) SourceConnectionFor(j *Job) string {
	if j.Source.Connection != "" {
		return j.Source.Connection
	}
	return p.ConnectionFor(j)
}

// Resolve returns a copy of the job with its target and source connections
// filled in from the pipeline defaults.
func (p *Pipeline) Resolve(j *Job) *Job {
	resolved := *j
	resolved.Connection = p.ConnectionFor(j)
	resolved.Source.Connection = p.SourceConnectionFor(j)
	return &resolved
}

func (j *Job) TargetTable() string {
	if j.Target != "" {
		return j.Target
	}
	return j.Name
}

func (j *Job) RescuedColumn() string {
	if j.RescuedDataColumn != "" {
		return j.RescuedDataColumn
	}
	return DefaultRescuedDataColumn
}

func (j *Job) Retries() int {
	if j.MaxRetries < 0 {
		return 0
	}
	if j.MaxRetries == 0 {
		return DefaultMaxRetries
	}
	return j.MaxRetries
}

// IsReserved reports whether a field is structural (a key, the sequence column
// or the rescued-data bucket) rather than an attribute.
func (j *Job) IsReserved(field string) bool {
	return field == j.SequenceBy || field == j.RescuedColumn() || lo.Contains(j.Keys, field)
}

// Tracks reports whether a change to the given attribute opens a new version.
// By default every non-key attribute is tracked.
func (j *Job) Tracks(attribute string) bool {
	if j.IsReserved(attribute) {
		return false
	}
	if len(j.TrackHistoryColumnList) > 0 {
		return lo.Contains(j.TrackHistoryColumnList, attribute)
	}
	if len(j.TrackHistoryExceptColumnList) > 0 {
		return !lo.Contains(j.TrackHistoryExceptColumnList, attribute)
	}
	return true
}

// Validate returns every configuration problem found in the job.
func (j *Job) Validate() []string {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf("job '%s': ", j.Name)+fmt.Sprintf(format, args...))
	}

	if j.Name == "" {
		issues = append(issues, "job name cannot be empty")
	}
	if j.StoredAsSCDType != ModeType1 && j.StoredAsSCDType != ModeType2 {
		add("stored_as_scd_type must be 1 or 2, got %d", int(j.StoredAsSCDType))
	}
	if len(j.Keys) == 0 {
		add("at least one key is required")
	}
	if dups := lo.FindDuplicates(j.Keys); len(dups) > 0 {
		add("duplicate keys: %s", strings.Join(dups, ", "))
	}
	if j.SequenceBy == "" {
		add("sequence_by is required")
	}
	if lo.Contains(j.Keys, j.SequenceBy) {
		add("sequence_by column '%s' cannot also be a key", j.SequenceBy)
	}
	if len(j.TrackHistoryColumnList) > 0 && len(j.TrackHistoryExceptColumnList) > 0 {
		add("track_history_column_list and track_history_except_column_list are mutually exclusive")
	}
	for _, c := range append(append([]string{}, j.TrackHistoryColumnList...), j.TrackHistoryExceptColumnList...) {
		if j.IsReserved(c) {
			add("column '%s' is a key or sequence column and cannot be used for history tracking", c)
		}
	}
	if len(j.Columns) > 0 {
		for _, required := range append(append([]string{}, j.Keys...), j.SequenceBy) {
			if required != "" && !lo.Contains(j.Columns, required) {
				add("column list must contain '%s'", required)
			}
		}
		for _, c := range append(append([]string{}, j.TrackHistoryColumnList...), j.TrackHistoryExceptColumnList...) {
			if !lo.Contains(j.Columns, c) {
				add("tracked column '%s' is not in the column list", c)
			}
		}
	}
	if _, err := quality.CompileAll(j.Expectations); err != nil {
		add("%v", err)
	}
	if j.ApplyAsDeletes != "" {
		if _, err := quality.Compile("apply_as_deletes", j.ApplyAsDeletes); err != nil {
			add("%v", err)
		}
	}
	if j.Source.Type != "" && !lo.Contains(SourceTypes, j.Source.Type) {
		add("unknown source type '%s', must be one of: %s", j.Source.Type, strings.Join(SourceTypes, ", "))
	}

	return issues
}

// Validate checks the pipeline and all of its jobs.
func (p *Pipeline) Validate() []string {
	var issues []string
	if p.Name == "" {
		issues = append(issues, "pipeline name cannot be empty")
	}
	if len(p.Jobs) == 0 {
		issues = append(issues, "pipeline must define at least one job")
	}

	targets := map[string][]string{}
	for _, j := range p.Jobs {
		issues = append(issues, j.Validate()...)
		target := p.ConnectionFor(j) + "." + j.TargetTable()
		targets[target] = append(targets[target], j.Name)
	}

	names := lo.Map(p.Jobs, func(j *Job, _ int) string { return j.Name })
	if dups := lo.FindDuplicates(names); len(dups) > 0 {
		issues = append(issues, "duplicate job names: "+strings.Join(dups, ", "))
	}
	for target, jobs := range targets {
		if len(jobs) > 1 {
			sort.Strings(jobs)
			issues = append(issues, fmt.Sprintf("jobs %s write to the same target '%s'", strings.Join(jobs, ", "), target))
		}
	}

	sort.Strings(issues)
	return issues
}
