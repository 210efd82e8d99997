package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"forumharvest/internal/storage"
)

// ReportWriter persists batch reports as JSON artifacts through a blob
// provider.
type ReportWriter struct {
	provider storage.Provider
}

func NewReportWriter(provider storage.Provider) *ReportWriter {
	return &ReportWriter{provider: provider}
}

// Write stores the report under reports/<timestamp>.json and returns the
// artifact URI.
func (w *ReportWriter) Write(ctx context.Context, report Report) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode batch report: %w", err)
	}
	path := fmt.Sprintf("reports/%s.json", report.Timestamp.UTC().Format("20060102T150405Z"))
	uri, err := w.provider.PutObject(ctx, path, "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("store batch report: %w", err)
	}
	return uri, nil
}
