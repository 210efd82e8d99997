// Package batch executes ordered lists of heterogeneous operations against
// the engine's collaborators, sequentially or in concurrency-bounded chunks.
package batch

import (
	"time"
)

// Kind names an operation type.
type Kind string

// Supported operation kinds.
const (
	KindScrape Kind = "scrape"
	KindExport Kind = "export"
	KindPurge  Kind = "purge"
	KindAdmin  Kind = "admin"
)

// Operation is one declarative unit of work. Operations are immutable once
// submitted; the processor never mutates the input list.
type Operation struct {
	// Kind selects the handler.
	Kind Kind `json:"kind"`
	// Target is the primary argument: a forum URL for scrape, a session id
	// for export.
	Target string `json:"target,omitempty"`
	// Items optionally restricts the operation to specific item ids.
	Items []string `json:"items,omitempty"`
	// Options carries kind-specific string parameters.
	Options map[string]string `json:"options,omitempty"`
}

// ResultStatus is the outcome classification of one operation.
type ResultStatus string

// Result statuses.
const (
	StatusSuccess ResultStatus = "success"
	StatusFailed  ResultStatus = "failed"
	StatusSkipped ResultStatus = "skipped"
)

// Result is the outcome of one operation, in input order.
type Result struct {
	Operation  Operation      `json:"operation"`
	Status     ResultStatus   `json:"status"`
	Message    string         `json:"message,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// Config controls one batch execution.
type Config struct {
	// Parallel switches from strict sequential order to chunked fan-out.
	Parallel bool `json:"parallel"`
	// MaxConcurrency bounds each parallel chunk; values below 1 mean 1.
	MaxConcurrency int `json:"max_concurrency"`
	// ContinueOnError keeps executing after a failed result.
	ContinueOnError bool `json:"continue_on_error"`
	// DryRun short-circuits every operation into a skipped result.
	DryRun bool `json:"dry_run"`
}

// Summary aggregates result counts for one batch.
type Summary struct {
	Total      int   `json:"total"`
	Success    int   `json:"success"`
	Failed     int   `json:"failed"`
	Skipped    int   `json:"skipped"`
	DurationMs int64 `json:"duration_ms"`
}

// Report is the persisted record of one batch execution.
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	Config    Config    `json:"config"`
	Results   []Result  `json:"results"`
	Summary   Summary   `json:"summary"`
}

// Summarize derives the summary from a result list.
func Summarize(results []Result, durationMs int64) Summary {
	s := Summary{Total: len(results), DurationMs: durationMs}
	for _, r := range results {
		switch r.Status {
		case StatusSuccess:
			s.Success++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		}
	}
	return s
}
