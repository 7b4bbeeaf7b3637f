package security

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"persona-hub/internal/domain"
	"persona-hub/internal/infra/tracer"
)

// RetentionPolicy controls how long security log entries are kept.
type RetentionPolicy struct {
	MaxAge  time.Duration // 0 = no age limit
	MaxSize int64         // bytes; 0 = no size limit
}

// FileLogger implements domain.SecurityLogger by appending JSON lines to a file.
type FileLogger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	retention *RetentionPolicy
	now       func() time.Time
}

var _ domain.SecurityLogger = (*FileLogger)(nil)

// NewFileLogger opens (or creates with 0600) the JSONL file at path.
func NewFileLogger(path string) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create security log dir: %w", err)
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open security log: %w", err)
	}
	return &FileLogger{file: f, path: path, now: time.Now}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
}

// SetRetention configures the policy applied by EnforceRetention.
func (l *FileLogger) SetRetention(policy RetentionPolicy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retention = &policy
}

// Path returns the file being written.
func (l *FileLogger) Path() string { return l.path }

// Log writes event as a single JSON line and mirrors it as a span event when
// ctx carries a recording span.
func (l *FileLogger) Log(ctx context.Context, event domain.SecurityEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("FileLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	l.mu.Lock()
	_, err = l.file.Write(append(data, '\n'))
	l.mu.Unlock()
	if err != nil {
		return domain.NewDomainError("FileLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	attrs := make([]attribute.KeyValue, 0, len(event.Details)+1)
	attrs = append(attrs, tracer.StringAttr("security.severity", string(event.Severity)))
	for k, v := range event.Details {
		attrs = append(attrs, tracer.StringAttr("security."+k, v))
	}
	tracer.AddEvent(ctx, "security."+string(event.Type), attrs...)
	return nil
}

// Close closes the underlying file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// EnforceRetention rewrites the log keeping only entries that satisfy the
// policy: entries older than MaxAge are dropped, then the oldest entries are
// dropped until the file fits MaxSize. It returns the number of removed entries.
func (l *FileLogger) EnforceRetention(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	policy := l.retention
	if policy == nil || (policy.MaxAge == 0 && policy.MaxSize == 0) {
		return 0, nil
	}

	if policy.MaxAge == 0 {
		info, err := os.Stat(l.path)
		if err != nil {
			return 0, fmt.Errorf("stat security log: %w", err)
		}
		if info.Size() <= policy.MaxSize {
			return 0, nil
		}
	}

	var cutoff time.Time
	if policy.MaxAge > 0 {
		cutoff = l.now().Add(-policy.MaxAge)
	}

	kept, keptSize, removed, err := l.readKept(cutoff)
	if err != nil {
		return 0, err
	}
	for policy.MaxSize > 0 && keptSize > policy.MaxSize && len(kept) > 0 {
		keptSize -= int64(len(kept[0])) + 1
		kept = kept[1:]
		removed++
	}
	if removed == 0 {
		return 0, nil
	}

	if err := l.rewrite(kept); err != nil {
		return 0, err
	}
	tracer.AddEvent(ctx, "security.retention", tracer.IntAttr("security.removed", removed))
	return removed, nil
}

// maxEntrySize bounds a single log line during retention. Longer lines are
// not valid entries this logger could have written and are dropped.
const maxEntrySize = 1 << 20

// readKept scans the file and returns the lines at or after cutoff.
// Lines without a parseable timestamp are kept; oversized lines are removed.
func (l *FileLogger) readKept(cutoff time.Time) ([][]byte, int64, int, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open security log: %w", err)
	}
	defer f.Close()

	var (
		kept     [][]byte
		keptSize int64
		removed  int
	)
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, oversized, err := readLine(r, maxEntrySize)
		switch {
		case oversized:
			removed++
		case len(line) == 0:
		case !cutoff.IsZero() && olderThan(line, cutoff):
			removed++
		default:
			kept = append(kept, line)
			keptSize += int64(len(line)) + 1
		}
		if errors.Is(err, io.EOF) {
			return kept, keptSize, removed, nil
		}
		if err != nil {
			return nil, 0, 0, fmt.Errorf("read security log: %w", err)
		}
	}
}

// readLine returns the next line without its newline. A line longer than
// max is consumed and reported as oversized with no content.
func readLine(r *bufio.Reader, max int) (line []byte, oversized bool, err error) {
	for {
		frag, err := r.ReadSlice('\n')
		frag = bytes.TrimSuffix(frag, []byte{'\n'})
		if !oversized {
			if len(line)+len(frag) > max {
				oversized, line = true, nil
			} else {
				line = append(line, frag...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, oversized, err
	}
}

func olderThan(line []byte, cutoff time.Time) bool {
	var entry struct {
		Timestamp time.Time `json:"timestamp"`
	}
	return json.Unmarshal(line, &entry) == nil && !entry.Timestamp.IsZero() && entry.Timestamp.Before(cutoff)
}

// rewrite replaces the file with lines. The replacement is written through
// an append handle that becomes l.file once renamed into place, so the old
// handle stays live on any failure. Caller holds l.mu.
func (l *FileLogger) rewrite(lines [][]byte) error {
	tmpPath := l.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_APPEND|os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	discard := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}
	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		discard()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		discard()
		return fmt.Errorf("rename temp file: %w", err)
	}
	old := l.file
	l.file = tmp
	if err := old.Close(); err != nil {
		return fmt.Errorf("close rotated security log: %w", err)
	}
	return nil
}
