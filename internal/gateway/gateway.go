// Package gateway serves the read-only view over stored events: an HTML
// table of recent failures, a JSON API and a CSV export.
package gateway

import (
	"context"
	"encoding/json"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/therealutkarshpriyadarshi/authtrail/internal/logging"
	"github.com/therealutkarshpriyadarshi/authtrail/pkg/types"
)

// Defaults
const (
	DefaultViewLimit = 500
	MaxAPILimit      = 10000
	ExportFilename   = "attempts.csv"
)

// Reader is the read side of the event store
type Reader interface {
	QueryRecent(ctx context.Context, limit int) ([]types.Event, error)
	ExportCSV(ctx context.Context, w io.Writer) error
}

// Config holds gateway configuration
type Config struct {
	Reader Reader
	// RateLimit is requests per second per client; 0 disables limiting
	RateLimit int
	Logger    *logging.Logger
}

// Gateway exposes stored events over HTTP. It never writes to the store.
type Gateway struct {
	reader  Reader
	limiter *rateLimiter
	logger  *logging.Logger
}

// New creates a gateway
func New(cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}

	g := &Gateway{
		reader: cfg.Reader,
		logger: cfg.Logger.WithComponent("gateway"),
	}
	if cfg.RateLimit > 0 {
		g.limiter = newRateLimiter(cfg.RateLimit)
	}
	return g
}

// Routes mounts the gateway endpoints on r. Clients are rate limited by
// the socket address of the request, so r must not rewrite RemoteAddr from
// forwarding headers.
func (g *Gateway) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(g.logRequests)
		r.Use(g.rateLimit)

		r.Get("/", g.handleIndex)
		r.Get("/export/csv", g.handleExportCSV)

		r.Route("/api/v1/events", func(r chi.Router) {
			r.Get("/recent", g.handleRecent)
		})
	})
}

func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.limiter != nil && !g.limiter.allow(clientKey(r)) {
			g.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("Rate limit exceeded")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	})
}

var indexTemplate = template.Must(template.New("index").Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8"/>
  <title>WiFi Auth Attempts</title>
  <style>
    body { font-family: system-ui, Arial; max-width: 980px; margin: 24px;}
    table { border-collapse: collapse; width: 100%;}
    th, td { border: 1px solid #ddd; padding: 8px; font-size: 13px;}
    th { background: #f2f2f2; }
    tr:hover { background: #fafafa; }
    .meta { margin-bottom: 12px; }
  </style>
</head>
<body>
<h1>Failed Wi-Fi auth attempts</h1>
<div class="meta">
  <a href="/export/csv">Download CSV</a> &middot; Showing up to {{.Limit}} most recent entries
</div>
<table>
<tr><th>ID</th><th>Timestamp</th><th>MAC</th><th>Reason</th><th>Raw</th></tr>
{{- range .Events}}
<tr>
<td>{{.Sequence}}</td>
<td>{{.Timestamp}}</td>
<td>{{.DeviceMAC}}</td>
<td>{{.Reason}}</td>
<td>{{.Raw}}</td>
</tr>
{{- end}}
</table>
</body>
</html>
`))

func (g *Gateway) handleIndex(w http.ResponseWriter, r *http.Request) {
	events, err := g.reader.QueryRecent(r.Context(), DefaultViewLimit)
	if err != nil {
		g.logger.Error().Err(err).Msg("Failed to query recent events")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Limit  int
		Events []eventResponse
	}{DefaultViewLimit, toResponses(events)}
	if err := indexTemplate.Execute(w, data); err != nil {
		g.logger.Error().Err(err).Msg("Failed to render index")
	}
}

type eventResponse struct {
	Sequence  int64  `json:"sequence"`
	Timestamp string `json:"timestamp"`
	DeviceMAC string `json:"device_mac"`
	Reason    string `json:"reason"`
	Raw       string `json:"raw"`
	Interface string `json:"interface,omitempty"`
}

func toResponses(events []types.Event) []eventResponse {
	out := make([]eventResponse, 0, len(events))
	for i := range events {
		e := &events[i]
		out = append(out, eventResponse{
			Sequence:  e.Sequence,
			Timestamp: e.TimestampText(),
			DeviceMAC: e.DeviceMAC,
			Reason:    e.Reason.String(),
			Raw:       e.Raw,
			Interface: e.Interface,
		})
	}
	return out
}

type recentResponse struct {
	Count  int             `json:"count"`
	Events []eventResponse `json:"events"`
}

func (g *Gateway) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := DefaultViewLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, MaxAPILimit)
	}

	events, err := g.reader.QueryRecent(r.Context(), limit)
	if err != nil {
		g.logger.Error().Err(err).Msg("Failed to query recent events")
		writeJSONError(w, http.StatusInternalServerError, "failed to query events")
		return
	}

	resp := recentResponse{
		Count:  len(events),
		Events: toResponses(events),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		g.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (g *Gateway) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+ExportFilename)

	ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
	if err := g.reader.ExportCSV(r.Context(), ww); err != nil {
		g.logger.Error().Err(err).Int("bytes", ww.BytesWritten()).Msg("Failed to export events")
		if ww.BytesWritten() == 0 {
			w.Header().Del("Content-Disposition")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
