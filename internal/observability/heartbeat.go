package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	heartbeatCadence   = 5 * time.Second
	heartbeatFreshness = 15 * time.Second
)

// Heartbeat writes a unix-seconds liveness marker while the stream makes
// progress. Writes are throttled to the cadence; the marker going stale is a
// signal for outside monitoring, nothing in-process acts on it.
type Heartbeat struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	lastPut time.Time
}

func NewHeartbeat(path string, now func() time.Time) *Heartbeat {
	if now == nil {
		now = time.Now
	}
	return &Heartbeat{path: path, now: now}
}

// Beat records liveness at t. Callers invoke it per inbound frame; the file
// is rewritten at most once per cadence.
func (h *Heartbeat) Beat(t time.Time) {
	h.mu.Lock()
	if !h.lastPut.IsZero() && t.Sub(h.lastPut) < heartbeatCadence {
		h.mu.Unlock()
		return
	}
	h.lastPut = t
	h.mu.Unlock()

	tmp := h.path + ".tmp"
	payload := strconv.FormatInt(t.Unix(), 10) + "\n"
	if err := os.MkdirAll(filepath.Dir(h.path), 0o750); err != nil {
		return
	}
	if err := os.WriteFile(tmp, []byte(payload), 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, h.path)
}

// Fresh reports whether the marker at path was written inside the freshness
// window.
func Fresh(path string, now time.Time) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("heartbeat read: %w", err)
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return false, fmt.Errorf("heartbeat parse: %w", err)
	}
	return now.Sub(time.Unix(sec, 0)) <= heartbeatFreshness, nil
}
