package security

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"trustcore/internal/domain"
	"trustcore/internal/infra/tracer"
)

// EmergencyLog is the append-only JSONL fallback for audit events the ledger
// could not persist. Entries stay in the file until Replay stores them.
type EmergencyLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewEmergencyLog opens (or creates) the fallback file at path with 0600
// permissions.
func NewEmergencyLog(path string) (*EmergencyLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create emergency log dir: %w", err)
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open emergency log: %w", err)
	}
	return &EmergencyLog{file: f, path: path}, nil
}

// Path returns the file location.
func (l *EmergencyLog) Path() string { return l.path }

// Append writes one event as a JSON line and syncs it to disk.
func (l *EmergencyLog) Append(ctx context.Context, event domain.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewSubSystemError(domain.SubSystemAudit, "EmergencyLog.Append", domain.ErrAuditWrite, err.Error())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return domain.NewSubSystemError(domain.SubSystemAudit, "EmergencyLog.Append", domain.ErrAuditWrite, err.Error())
	}
	if err := l.file.Sync(); err != nil {
		return domain.NewSubSystemError(domain.SubSystemAudit, "EmergencyLog.Append", domain.ErrAuditWrite, err.Error())
	}

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent("audit.emergency",
			trace.WithAttributes(
				tracer.StringAttr("audit.id", event.ID),
				tracer.StringAttr("audit.type", string(event.Type)),
			))
	}
	return nil
}

// Pending returns the number of events waiting in the file.
func (l *EmergencyLog) Pending() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lines, err := l.readLines()
	return len(lines), err
}

// Replay hands every pending event to store, oldest first. Events store
// accepts are removed from the file; the rest are kept for the next attempt.
// Lines that cannot be decoded are kept verbatim and counted as failed.
func (l *EmergencyLog) Replay(ctx context.Context, store func(context.Context, domain.AuditEvent) error) (replayed, failed int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lines, err := l.readLines()
	if err != nil {
		return 0, 0, err
	}
	if len(lines) == 0 {
		return 0, 0, nil
	}

	var kept [][]byte
	for i, line := range lines {
		if ctx.Err() != nil {
			kept = append(kept, lines[i:]...)
			break
		}
		var event domain.AuditEvent
		if json.Unmarshal(line, &event) != nil {
			kept = append(kept, line)
			failed++
			continue
		}
		if err := store(ctx, event); err != nil {
			kept = append(kept, line)
			failed++
			continue
		}
		replayed++
	}

	if err := l.rewrite(kept); err != nil {
		return replayed, failed, err
	}
	return replayed, failed, nil
}

// Close syncs and closes the file.
func (l *EmergencyLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return errors.Join(l.file.Sync(), l.file.Close())
}

func (l *EmergencyLog) readLines() ([][]byte, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open emergency log: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan emergency log: %w", err)
	}
	return lines, nil
}

// rewrite replaces the file with lines via a temp file and rename, then
// reopens it for appending. Callers hold l.mu.
func (l *EmergencyLog) rewrite(lines [][]byte) error {
	tmpPath := l.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := errors.Join(w.Flush(), tmp.Sync(), tmp.Close()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := l.file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close emergency log: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		l.file, _ = openAppend(l.path)
		return fmt.Errorf("rename temp file: %w", err)
	}
	l.file, err = openAppend(l.path)
	if err != nil {
		return fmt.Errorf("reopen emergency log: %w", err)
	}
	return nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
}
