package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/occupancy/internal/logging"
)

// LogSource serves recently captured log entries
type LogSource interface {
	Recent(n int) []logging.Entry
}

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// LogHandler serves the in-memory log tail
type LogHandler struct {
	source LogSource
}

// NewLogHandler creates a new log handler
func NewLogHandler(source LogSource) *LogHandler {
	return &LogHandler{source: source}
}

// Routes returns the log routes
func (h *LogHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Recent)
	return r
}

// Recent returns the newest entries, optionally filtered by minimum level
// and component
func (h *LogHandler) Recent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultLogLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLogLimit)
	}

	minLevel := slog.LevelDebug
	if s := q.Get("level"); s != "" {
		minLevel = logging.ParseLevel(s)
	}
	component := q.Get("component")

	// Filter from the whole buffer, then keep the newest limit entries
	all := h.source.Recent(0)
	out := make([]logging.Entry, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		e := all[i]
		if levelOf(e.Level) < minLevel {
			continue
		}
		if component != "" && e.Component != component {
			continue
		}
		out = append(out, e)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	OK(w, out)
}

func levelOf(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}
