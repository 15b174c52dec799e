// Package server maps HTTP requests onto the engine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bryan-buckman/subscriptiondb/internal/cache"
	"github.com/bryan-buckman/subscriptiondb/internal/engine"
	"github.com/bryan-buckman/subscriptiondb/internal/model"
	"github.com/bryan-buckman/subscriptiondb/internal/opml"
)

// Banner is the body of GET /.
const Banner = "Yello. This is SubscriptionDB entry point."

// Engine is the part of *engine.Engine the handlers use.
type Engine interface {
	AddEntry(ctx context.Context, req model.AddRequest) (engine.AddResult, error)
	NoticeEntry(ctx context.Context, id int64) error
	NoticeContainer(ctx context.Context, typ, nickname string) (int, error)
	ActiveContainers(ctx context.Context) (model.View, error)
	UnnoticedContainers(ctx context.Context) (model.View, error)
	FilteredContainers(ctx context.Context, typ, nickname string) (model.View, error)
	ArchivedContainers(ctx context.Context) (model.View, error)
	Types(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (cache.Stats, error)
	DebugSnapshot(ctx context.Context) ([]string, error)
	Pending() (adds, notices int)
}

// Options configures the HTTP layer.
type Options struct {
	// RestrictMode admits only clients whose address is in Whitelist; others get 404.
	RestrictMode bool
	Whitelist    []string
	Logger       *slog.Logger
	// Sources lists the harvest sources served by GET /export-opml. Nil exports an empty list.
	Sources func(ctx context.Context) ([]model.Source, error)
}

// Server is the HTTP front of the engine.
type Server struct {
	engine Engine
	opts   Options
	logger *slog.Logger
	router chi.Router
}

// New creates a server.
func New(e Engine, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: e, opts: opts, logger: logger}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		if s.opts.RestrictMode {
			r.Use(s.whitelist)
		}
		r.Get("/", s.handleBanner)
		r.Get("/container", s.handleActive)
		r.Get("/container/unnoticed", s.handleUnnoticed)
		r.Get("/container/archived", s.handleArchived)
		r.Get("/container/{type}/{nickname}", s.handleFiltered)
		r.Get("/containerType", s.handleTypes)
		r.Post("/addEntry", s.handleAddEntry)
		r.Post("/notice/{id}", s.handleNotice)
		r.Post("/noticeAll/{type}/{nickname}", s.handleNoticeAll)
		r.Get("/export-opml", s.handleExportOPML)
		r.Get("/debug/cache", s.handleDebugCache)
	})

	s.router = r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Middleware ---

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) whitelist(next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(s.opts.Whitelist))
	for _, ip := range s.opts.Whitelist {
		allowed[ip] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r.RemoteAddr)
		if _, ok := allowed[ip]; !ok {
			s.logger.WarnContext(r.Context(), "blocked client", "ip", ip)
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// --- Read handlers ---

func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(Banner))
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	s.writeView(w, r, s.engine.ActiveContainers)
}

func (s *Server) handleUnnoticed(w http.ResponseWriter, r *http.Request) {
	s.writeView(w, r, s.engine.UnnoticedContainers)
}

func (s *Server) handleArchived(w http.ResponseWriter, r *http.Request) {
	s.writeView(w, r, s.engine.ArchivedContainers)
}

func (s *Server) handleFiltered(w http.ResponseWriter, r *http.Request) {
	typ, nickname := chi.URLParam(r, "type"), chi.URLParam(r, "nickname")
	s.writeView(w, r, func(ctx context.Context) (model.View, error) {
		return s.engine.FilteredContainers(ctx, typ, nickname)
	})
}

func (s *Server) handleTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.engine.Types(r.Context())
	if err != nil {
		s.internalError(w, r, "read types", err)
		return
	}
	if types == nil {
		types = []string{}
	}
	writeJSON(w, http.StatusOK, types)
}

func (s *Server) handleDebugCache(w http.ResponseWriter, r *http.Request) {
	lines, err := s.engine.DebugSnapshot(r.Context())
	if err != nil {
		s.internalError(w, r, "cache snapshot", err)
		return
	}
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.internalError(w, r, "cache stats", err)
		return
	}
	adds, notices := s.engine.Pending()
	writeJSON(w, http.StatusOK, map[string]any{
		"stats": map[string]int{
			"active":    stats.Active,
			"unnoticed": stats.Unnoticed,
			"archived":  stats.Archived,
			"types":     stats.Types,
		},
		"queued": map[string]int{"adds": adds, "notices": notices},
		"lines":  lines,
	})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	var sources []model.Source
	if s.opts.Sources != nil {
		var err error
		if sources, err = s.opts.Sources(r.Context()); err != nil {
			s.internalError(w, r, "load sources", err)
			return
		}
	}
	body, err := opml.Export("SubscriptionDB Sources", sources, time.Now())
	if err != nil {
		s.internalError(w, r, "export opml", err)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="subscriptiondb-sources.opml"`)
	_, _ = w.Write(body)
}

// --- Write handlers ---

// addEntryRequest is the wire shape of POST /addEntry.
type addEntryRequest struct {
	ContainerType string `json:"containerType"`
	Nickname      string `json:"nickname"`
	Data          struct {
		Title string `json:"title"`
		Href  string `json:"href"`
		Img   string `json:"img"`
	} `json:"data"`
}

func (s *Server) handleAddEntry(w http.ResponseWriter, r *http.Request) {
	var body addEntryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.engine.AddEntry(r.Context(), model.AddRequest{
		Type:     body.ContainerType,
		Nickname: body.Nickname,
		Title:    body.Data.Title,
		Href:     body.Data.Href,
		Img:      body.Data.Img,
	})
	switch {
	case engine.IsValidationError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.internalError(w, r, "add entry", err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": res.String()})
	}
}

func (s *Server) handleNotice(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid entry id")
		return
	}
	err = s.engine.NoticeEntry(r.Context(), id)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.internalError(w, r, "notice entry", err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

func (s *Server) handleNoticeAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.NoticeContainer(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "nickname"))
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.internalError(w, r, "notice container", err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "count": n})
	}
}

// --- Helpers ---

func (s *Server) writeView(w http.ResponseWriter, r *http.Request, read func(context.Context) (model.View, error)) {
	view, err := read(r.Context())
	if err != nil {
		s.internalError(w, r, "read view", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.ErrorContext(r.Context(), msg, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
