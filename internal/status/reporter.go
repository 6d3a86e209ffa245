// Package status delivers container status transitions and end-of-cycle
// snapshots to the control plane.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"hostsync/internal/reconcile"
)

var (
	_ reconcile.Reporter = (*HTTPReporter)(nil)
	_ reconcile.Reporter = LogReporter{}
	_ reconcile.Reporter = Multi(nil)
)

// DefaultEventTimeout bounds a single fire-and-forget event post.
const DefaultEventTimeout = 10 * time.Second

// Entry is one element of the update-status payload.
type Entry struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HTTPReporter posts to <base>/services/update-status. Snapshots are sent as
// the full list; events as one-element lists whose status is the phase.
type HTTPReporter struct {
	BaseURL      string
	Headers      map[string]string
	Client       *http.Client
	EventTimeout time.Duration
}

func NewHTTPReporter(baseURL string, client *http.Client) *HTTPReporter {
	return &HTTPReporter{BaseURL: baseURL, Client: client}
}

// Endpoint returns the update-status URL.
func (r *HTTPReporter) Endpoint() (string, error) {
	base := strings.TrimRight(strings.TrimSpace(r.BaseURL), "/")
	if base == "" {
		return "", errors.New("status base url is required")
	}
	return base + "/services/update-status", nil
}

// ContainerEvent posts the transition and logs a failed delivery. It never
// blocks longer than EventTimeout.
func (r *HTTPReporter) ContainerEvent(ctx context.Context, ev reconcile.StatusEvent) {
	timeout := r.EventTimeout
	if timeout <= 0 {
		timeout = DefaultEventTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entry := Entry{ID: ev.ID, Status: ev.Phase.String()}
	if ev.Err != nil {
		entry.Error = ev.Err.Error()
	}
	if err := r.post(ctx, []Entry{entry}); err != nil {
		slog.Warn("status event not delivered", "component", "status", "id", ev.ID, "phase", ev.Phase.String(), "err", err)
	}
}

func (r *HTTPReporter) ReportSnapshot(ctx context.Context, containers []reconcile.ContainerReport) error {
	entries := make([]Entry, 0, len(containers))
	for _, c := range containers {
		entries = append(entries, Entry{ID: c.ID, Status: c.Status})
	}
	return r.post(ctx, entries)
}

func (r *HTTPReporter) post(ctx context.Context, entries []Entry) error {
	endpoint, err := r.Endpoint()
	if err != nil {
		return err
	}
	body, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: unexpected status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// LogReporter writes events and snapshots to the process log.
type LogReporter struct{}

func (LogReporter) ContainerEvent(_ context.Context, ev reconcile.StatusEvent) {
	if ev.Err != nil {
		slog.Info("container status", "id", ev.ID, "phase", ev.Phase.String(), "err", ev.Err)
		return
	}
	slog.Info("container status", "id", ev.ID, "phase", ev.Phase.String())
}

func (LogReporter) ReportSnapshot(_ context.Context, containers []reconcile.ContainerReport) error {
	for _, c := range containers {
		slog.Debug("container snapshot", "id", c.ID, "status", c.Status)
	}
	slog.Info("status snapshot", "containers", len(containers))
	return nil
}

// Multi fans out to every reporter. Snapshot errors are joined.
type Multi []reconcile.Reporter

func (m Multi) ContainerEvent(ctx context.Context, ev reconcile.StatusEvent) {
	for _, r := range m {
		r.ContainerEvent(ctx, ev)
	}
}

func (m Multi) ReportSnapshot(ctx context.Context, containers []reconcile.ContainerReport) error {
	var errs []error
	for _, r := range m {
		if err := r.ReportSnapshot(ctx, containers); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
