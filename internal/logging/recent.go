package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Entry is a single captured log record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Capture keeps the most recent log records in a fixed-size ring so the
// health listener can serve them for debugging without touching log files.
// It doubles as an slog.Handler wrapper (see Wrap) and an http.Handler.
type Capture struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	full    bool
}

// NewCapture creates a capture holding up to capacity records.
func NewCapture(capacity int) *Capture {
	if capacity <= 0 {
		capacity = 256
	}
	return &Capture{entries: make([]Entry, capacity)}
}

func (c *Capture) add(e Entry) {
	c.mu.Lock()
	c.entries[c.head] = e
	c.head = (c.head + 1) % len(c.entries)
	if c.head == 0 {
		c.full = true
	}
	c.mu.Unlock()
}

// Recent returns up to limit entries at or above minLevel, newest first.
// limit <= 0 means no limit.
func (c *Capture) Recent(limit int, minLevel slog.Level) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := c.head
	if c.full {
		n = len(c.entries)
	}

	var out []Entry
	for i := 0; i < n && (limit <= 0 || len(out) < limit); i++ {
		idx := (c.head - 1 - i + len(c.entries)) % len(c.entries)
		e := c.entries[idx]
		if parseLevel(e.Level) < minLevel {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ServeHTTP serves captured entries as a JSON array. Query parameters:
// limit (default 100) and level (debug|info|warn|error).
func (c *Capture) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	minLevel := slog.LevelDebug
	if v := r.URL.Query().Get("level"); v != "" {
		minLevel = parseLevel(v)
	}

	entries := c.Recent(limit, minLevel)
	if entries == nil {
		entries = []Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// Wrap returns a handler that forwards to inner and records each entry
// in the capture. Install it over the default handler after Setup:
//
//	slog.SetDefault(slog.New(capture.Wrap(slog.Default().Handler())))
func (c *Capture) Wrap(inner slog.Handler) slog.Handler {
	return &captureHandler{inner: inner, capture: c}
}

type captureHandler struct {
	inner   slog.Handler
	capture *Capture
	attrs   []slog.Attr
	groups  []string
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}

	attrs := make(map[string]any)
	prefix := groupPrefix(h.groups)
	for _, a := range h.attrs {
		attrs[prefix+a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Any()
		return true
	})
	if len(attrs) > 0 {
		e.Attrs = attrs
	}

	h.capture.add(e)
	return h.inner.Handle(ctx, r)
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &captureHandler{
		inner:   h.inner.WithAttrs(attrs),
		capture: h.capture,
		attrs:   append(cloneAttrs(h.attrs), attrs...),
		groups:  h.groups,
	}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &captureHandler{
		inner:   h.inner.WithGroup(name),
		capture: h.capture,
		attrs:   cloneAttrs(h.attrs),
		groups:  append(append([]string{}, h.groups...), name),
	}
}

func cloneAttrs(attrs []slog.Attr) []slog.Attr {
	if attrs == nil {
		return nil
	}
	c := make([]slog.Attr, len(attrs))
	copy(c, attrs)
	return c
}

func groupPrefix(groups []string) string {
	var p string
	for _, g := range groups {
		p += g + "."
	}
	return p
}
