package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/capassure/capcore/pkg/canonicalize"
)

var (
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrChainNotConfigured is returned when export is invoked without a backing chain.
	ErrChainNotConfigured = errors.New("audit: chain not configured (fail-closed)")
)

// ExportRequest defines the window of the chain to export.
type ExportRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	PolicyID  string    `json:"policy_id,omitempty"`
}

// Exporter packages a chain window into a self-contained evidence zip
// holding the event stream, a summary manifest, and a README.
type Exporter struct {
	chain *Chain
}

func NewExporter(c *Chain) *Exporter {
	return &Exporter{chain: c}
}

// GeneratePack creates a zip containing events.json, manifest.json and
// README.txt, plus the SHA3-256 checksum of the zip bytes.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.chain == nil {
		return nil, "", ErrChainNotConfigured
	}

	filter := ExportFilter{PolicyID: req.PolicyID}
	if !req.StartTime.IsZero() {
		filter.Start = &req.StartTime
	}
	if !req.EndTime.IsZero() {
		filter.End = &req.EndTime
	}
	events := e.chain.Export(filter)

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, "", err
	}

	manifest := map[string]interface{}{
		"generated_at": time.Now().UTC(),
		"event_count":  len(events),
		"chain_tip":    e.chain.Tip(),
		"period": map[string]interface{}{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("events.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(eventsJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f, "Audit evidence pack\nGenerated at %s\n", time.Now().UTC())

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	checksum := canonicalize.SHA3Hex(zipBytes)

	return zipBytes, checksum, nil
}
