package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"billcal/internal/billing"
	"billcal/internal/config"
	"billcal/internal/ics"
	appLog "billcal/internal/log"
	"billcal/internal/model"
	"billcal/internal/payload"
	"billcal/internal/refresh"
)

// maxDocumentBytes bounds request bodies for /api/parse and /api/recover.
const maxDocumentBytes = 10 << 20

// Server provides the HTTP API around the parser and the source refresher.
type Server struct {
	cfg       *config.Config
	refresher *refresh.Refresher
	parseOpts []ics.Option
	router    chi.Router
}

// NewServer constructs a new Server. refresher may be nil, in which case
// the source endpoints report that no sources are configured.
func NewServer(cfg *config.Config, refresher *refresh.Refresher, parseOpts ...ics.Option) *Server {
	s := &Server{
		cfg:       cfg,
		refresher: refresher,
		parseOpts: parseOpts,
		router:    chi.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the root http.Handler with CORS and (optionally) basic
// auth applied.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}

	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		ExposedHeaders: []string{"X-Parse-Id"},
	}).Handler(h)
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="billcal", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/parse", s.handleParse)
		r.Post("/recover", s.handleRecover)
		r.Get("/sources", s.handleSources)
		r.Get("/summary", s.handleSummary)
		r.Post("/refresh", s.handleRefresh)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// classifiedResult is the API rendering of a ParseResult: the error arm
// unchanged, or the events with their category and color.
func classifiedResult(res model.ParseResult) any {
	if res.Failed() {
		return res
	}
	return struct {
		Events []billing.Classified `json:"events"`
	}{billing.ClassifyAll(res.Events)}
}

// handleParse parses the request body as an iCalendar document.
//
// POST /api/parse
//
// A document-level fault is still a 200: the body carries {"error": ...}
// and never a partial event list.
func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	parseID := uuid.NewString()
	res := ics.Parse(string(body), s.parseOpts...)

	if res.Failed() {
		appLog.Info("api parse: document fault", "parse_id", parseID, "bytes", len(body), "error", res.Err)
	} else {
		appLog.Info("api parse", "parse_id", parseID, "bytes", len(body), "event_count", len(res.Events))
	}

	w.Header().Set("X-Parse-Id", parseID)
	writeJSON(w, http.StatusOK, classifiedResult(res))
}

type recoverResponse struct {
	Kind  payload.Kind `json:"kind"`
	Value any          `json:"value"`
}

// handleRecover runs payload recovery on the request body. An empty body
// is treated as an absent field.
//
// POST /api/recover
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if len(body) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"kind": "absent"})
		return
	}

	v := payload.RecoverString(string(body))
	writeJSON(w, http.StatusOK, recoverResponse{Kind: v.Kind, Value: v.Data})
}

type sourceDTO struct {
	ID         string    `json:"id"`
	Result     any       `json:"result,omitempty"`
	FetchError string    `json:"fetch_error,omitempty"`
	FromCache  bool      `json:"from_cache"`
	FetchedAt  time.Time `json:"fetched_at"`
}

type sourcesResponse struct {
	RunID       string      `json:"run_id"`
	RefreshedAt time.Time   `json:"refreshed_at"`
	Sources     []sourceDTO `json:"sources"`
}

// handleSources returns the latest refresh snapshot.
//
// GET /api/sources
func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	if s.refresher == nil {
		writeJSON(w, http.StatusOK, sourcesResponse{Sources: []sourceDTO{}})
		return
	}
	writeJSON(w, http.StatusOK, toSourcesResponse(s.refresher.Snapshot()))
}

// handleRefresh runs a refresh synchronously and returns the new snapshot.
//
// POST /api/refresh
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "no sources configured")
		return
	}
	writeJSON(w, http.StatusOK, toSourcesResponse(s.refresher.RunOnce(r.Context())))
}

func toSourcesResponse(snap refresh.Snapshot) sourcesResponse {
	out := sourcesResponse{
		RunID:       snap.RunID,
		RefreshedAt: snap.RefreshedAt,
		Sources:     make([]sourceDTO, 0, len(snap.Sources)),
	}
	for _, sr := range snap.Sources {
		dto := sourceDTO{
			ID:         sr.ID,
			FetchError: sr.FetchError,
			FromCache:  sr.FromCache,
			FetchedAt:  sr.FetchedAt,
		}
		if sr.Result != nil {
			dto.Result = classifiedResult(*sr.Result)
		}
		out.Sources = append(out.Sources, dto)
	}
	return out
}

// timelineEntry is one row of the human-oriented timeline view.
type timelineEntry struct {
	UID            string         `json:"uid"`
	StartDisplay   string         `json:"start_display"`
	CreatedDisplay string         `json:"created_display"`
	CreatedColor   string         `json:"created_color"`
	Category       model.Category `json:"category"`
	Color          string         `json:"color"`
	EventType      *string        `json:"event_type,omitempty"`
	Amount         *float64       `json:"amount,omitempty"`
}

type summaryResponse struct {
	Source    string             `json:"source"`
	Summary   billing.Summary    `json:"summary"`
	DayDeltas []billing.DayDelta `json:"day_deltas"`
	Timeline  []timelineEntry    `json:"timeline"`
	Palette   map[string]string  `json:"created_palette"`
}

// handleSummary returns counts, day deltas and a formatted timeline for one
// source of the latest snapshot.
//
// GET /api/summary?source=<id>
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("source")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing source parameter")
		return
	}
	if s.refresher == nil {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}

	sr, ok := s.refresher.Snapshot().Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	if sr.Result == nil {
		writeError(w, http.StatusBadGateway, sr.FetchError)
		return
	}
	if sr.Result.Failed() {
		writeError(w, http.StatusUnprocessableEntity, sr.Result.Err)
		return
	}

	writeJSON(w, http.StatusOK, buildSummary(id, sr.Result.Events))
}

func buildSummary(id string, events []model.EventRecord) summaryResponse {
	palette := billing.CreatedPalette(events)
	timeline := make([]timelineEntry, 0, len(events))
	for _, ev := range events {
		c := billing.Classify(ev)
		created := ""
		if ev.Created != nil {
			created = *ev.Created
		}
		start := ""
		if ev.Start != nil {
			start = *ev.Start
		}
		timeline = append(timeline, timelineEntry{
			UID:            ev.UID,
			StartDisplay:   billing.FormatInstant(start),
			CreatedDisplay: billing.FormatInstant(created),
			CreatedColor:   palette[created],
			Category:       c,
			Color:          c.Color(),
			EventType:      ev.EventType,
			Amount:         ev.Amount,
		})
	}

	return summaryResponse{
		Source:    id,
		Summary:   billing.Summarize(events),
		DayDeltas: billing.DayDeltas(events),
		Timeline:  timeline,
		Palette:   palette,
	}
}

// readBody reads a size-limited request body, writing an error response
// and returning false on failure.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "document too large")
			return nil, false
		}
		appLog.Error("failed to read request body", err)
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
