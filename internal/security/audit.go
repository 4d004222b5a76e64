// Package security keeps the audit trail of what the agent did on behalf of
// each thread.
package security

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"catalog-agent/internal/domain"
	"catalog-agent/internal/infra/tracer"
)

// ErrAuditClosed is returned by Record after Close.
var ErrAuditClosed = errors.New("audit trail closed")

// AuditEntry is one line of the audit trail.
type AuditEntry struct {
	Timestamp  time.Time        `json:"timestamp"`
	Event      domain.EventType `json:"event"`
	ThreadID   string           `json:"thread_id,omitempty"`
	Tool       string           `json:"tool,omitempty"`
	CallID     string           `json:"call_id,omitempty"`
	Code       string           `json:"code,omitempty"`
	Steps      int              `json:"steps,omitempty"`
	DurationMS int64            `json:"duration_ms,omitempty"`
}

// AuditTrail appends AuditEntry values as JSON lines to a file.
type AuditTrail struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// OpenAuditTrail opens (or creates, mode 0600) the trail at path. When
// maxAge is positive, older entries are pruned first.
func OpenAuditTrail(path string, maxAge time.Duration, logger *slog.Logger) (*AuditTrail, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	if maxAge > 0 {
		removed, err := prune(path, time.Now().Add(-maxAge))
		if err != nil {
			return nil, err
		}
		if removed > 0 {
			logger.Info("audit entries pruned", "path", path, "removed", removed)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit trail: %w", err)
	}
	return &AuditTrail{file: f, logger: logger}, nil
}

// Record writes e. A zero timestamp is set to now.
func (a *AuditTrail) Record(ctx context.Context, e AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return ErrAuditClosed
	}
	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("audit."+string(e.Event), trace.WithAttributes(
			tracer.StringAttr("audit.thread_id", e.ThreadID),
			tracer.StringAttr("audit.tool", e.Tool),
			tracer.StringAttr("audit.code", e.Code),
		))
	}
	return nil
}

// Attach records run outcomes, completed tool calls and thread deletions
// published on bus. The returned func detaches the trail.
func (a *AuditTrail) Attach(bus domain.EventBus) func() {
	unsubs := []func(){
		bus.Subscribe(domain.EventRunCompleted, a.handle),
		bus.Subscribe(domain.EventRunFailed, a.handle),
		bus.Subscribe(domain.EventToolCallCompleted, a.handle),
		bus.Subscribe(domain.EventThreadCleared, a.handle),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (a *AuditTrail) handle(ctx context.Context, ev domain.Event) {
	e := AuditEntry{Timestamp: ev.Timestamp.UTC(), Event: ev.Type, ThreadID: ev.ThreadID}
	switch ev.Type {
	case domain.EventRunCompleted, domain.EventRunFailed:
		var p domain.RunPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			e.Steps, e.Code = p.StepCount, p.Code
		}
	case domain.EventToolCallCompleted:
		var p domain.ToolCallPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			e.Tool, e.CallID, e.Code, e.DurationMS = p.Tool, p.CallID, p.ErrorCode, p.Duration
		}
	}
	if err := a.Record(ctx, e); err != nil {
		a.logger.WarnContext(ctx, "audit record failed", "event", ev.Type, "error", err)
	}
}

// Close closes the file. Later Record calls fail with ErrAuditClosed.
func (a *AuditTrail) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// prune rewrites path without the entries stamped before cutoff. Lines that
// do not parse are kept.
func prune(path string, cutoff time.Time) (removed int, err error) {
	in, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open audit trail: %w", err)
	}
	defer in.Close()

	var kept bytes.Buffer
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry struct {
			Timestamp time.Time `json:"timestamp"`
		}
		if json.Unmarshal(line, &entry) == nil && !entry.Timestamp.IsZero() && entry.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept.Write(line)
		kept.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan audit trail: %w", err)
	}
	if removed == 0 {
		return 0, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, kept.Bytes(), 0o600); err != nil {
		return 0, fmt.Errorf("write audit trail: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("replace audit trail: %w", err)
	}
	return removed, nil
}
