package audit

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Trail is the append-only order event log, one JSONL file per UTC day.
// Every record is sanitized before it is written, so credentials can never
// land on disk even when a caller passes raw wire params.
type Trail struct {
	dir string
	now func() time.Time

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	currDate string
}

func NewTrail(dir string, now func() time.Time) (*Trail, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit dir missing")
	}
	if now == nil {
		now = time.Now
	}
	t := &Trail{dir: dir, now: now}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.rotateIfNeeded(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Trail) Write(rec Record) error {
	if rec.TsMs <= 0 {
		rec.TsMs = t.now().UnixMilli()
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.Data = Sanitize(rec.Data)
	line, err := rec.JSONLine()
	if err != nil {
		return fmt.Errorf("audit marshal: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.rotateIfNeeded(); err != nil {
		return err
	}
	if _, err := t.writer.Write(line); err != nil {
		return fmt.Errorf("audit write: %w", err)
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("audit write: %w", err)
	}
	if err := t.writer.Flush(); err != nil {
		return fmt.Errorf("audit flush: %w", err)
	}
	return nil
}

func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writer != nil {
		if err := t.writer.Flush(); err != nil {
			return err
		}
	}
	if t.file != nil {
		return t.file.Close()
	}
	return nil
}

func (t *Trail) rotateIfNeeded() error {
	if err := os.MkdirAll(t.dir, 0o750); err != nil {
		return fmt.Errorf("audit mkdir: %w", err)
	}
	date := t.now().UTC().Format("2006-01-02")
	if t.currDate == date && t.file != nil {
		return nil
	}
	if t.file != nil {
		_ = t.file.Close()
	}
	path := filepath.Join(t.dir, fmt.Sprintf("orders-%s.jsonl", date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit open: %w", err)
	}
	t.file = file
	t.writer = bufio.NewWriter(file)
	t.currDate = date
	return nil
}
