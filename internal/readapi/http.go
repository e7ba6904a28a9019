package readapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/sandwichfarm/castfeed/internal/cache"
	"github.com/sandwichfarm/castfeed/internal/config"
	"github.com/sandwichfarm/castfeed/internal/ops"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Router exposes a Service over HTTP
func Router(s *Service, logger *ops.Logger) *mux.Router {
	if logger == nil {
		logger = ops.Default()
	}
	h := &handlers{svc: s, logger: logger.WithComponent("readapi")}

	r := mux.NewRouter()
	r.Use(h.logRequests)
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/casts/{hash}", h.getCast).Methods(http.MethodGet)
	v1.HandleFunc("/users/{fid}", h.getUser).Methods(http.MethodGet)
	v1.HandleFunc("/users/{fid}/following/{target}", h.getFollowing).Methods(http.MethodGet)
	v1.HandleFunc("/feeds/{key}", h.getFeed).Methods(http.MethodGet)
	v1.HandleFunc("/channels", h.getChannel).Methods(http.MethodGet).Queries("url", "{url}")
	return r
}

// Server runs the HTTP read API
type Server struct {
	srv    *http.Server
	logger *ops.Logger
}

// NewServer creates a server bound per cfg
func NewServer(cfg *config.API, s *Service, logger *ops.Logger) *Server {
	if logger == nil {
		logger = ops.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              net.JoinHostPort(cfg.Bind, strconv.Itoa(cfg.Port)),
			Handler:           Router(s, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.WithComponent("readapi"),
	}
}

// Start serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	s.logger.Info("read api listening", "addr", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("read api stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type handlers struct {
	svc    *Service
	logger *ops.Logger
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.LogAPIRequest(r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

func (h *handlers) getCast(w http.ResponseWriter, r *http.Request) {
	cast, err := h.svc.GetCast(r.Context(), mux.Vars(r)["hash"])
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, cast)
}

func (h *handlers) getUser(w http.ResponseWriter, r *http.Request) {
	fid, err := strconv.ParseUint(mux.Vars(r)["fid"], 10, 64)
	if err != nil {
		h.respondMessage(w, http.StatusBadRequest, "invalid fid")
		return
	}
	user, err := h.svc.GetUser(r.Context(), fid)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, user)
}

func (h *handlers) getFollowing(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	viewer, err := strconv.ParseUint(vars["fid"], 10, 64)
	if err != nil {
		h.respondMessage(w, http.StatusBadRequest, "invalid fid")
		return
	}
	target, err := strconv.ParseUint(vars["target"], 10, 64)
	if err != nil {
		h.respondMessage(w, http.StatusBadRequest, "invalid target fid")
		return
	}
	following, err := h.svc.IsFollowing(r.Context(), viewer, target)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]bool{"following": following})
}

func (h *handlers) getFeed(w http.ResponseWriter, r *http.Request) {
	cursor, limit, ok := h.pageParams(w, r)
	if !ok {
		return
	}
	page, err := h.svc.GetFeed(r.Context(), mux.Vars(r)["key"], cursor, limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, page)
}

func (h *handlers) getChannel(w http.ResponseWriter, r *http.Request) {
	cursor, limit, ok := h.pageParams(w, r)
	if !ok {
		return
	}
	page, err := h.svc.GetChannel(r.Context(), r.URL.Query().Get("url"), cursor, limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, page)
}

// pageParams reads the cursor and limit query parameters
func (h *handlers) pageParams(w http.ResponseWriter, r *http.Request) (cache.Cursor, int, bool) {
	q := r.URL.Query()
	cursor, err := cache.ParseCursor(q.Get("cursor"))
	if err != nil {
		h.respondMessage(w, http.StatusBadRequest, "invalid cursor")
		return cache.Cursor{}, 0, false
	}
	var limit int
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			h.respondMessage(w, http.StatusBadRequest, "invalid limit")
			return cache.Cursor{}, 0, false
		}
	}
	return cursor, limit, true
}

func (h *handlers) respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		h.respondMessage(w, http.StatusNotFound, "not found")
		return
	}
	h.logger.Error("read failed", "error", err)
	h.respondMessage(w, http.StatusInternalServerError, "internal error")
}

func (h *handlers) respondMessage(w http.ResponseWriter, status int, msg string) {
	h.respondJSON(w, status, map[string]string{"error": msg})
}

// respondJSON writes v with status. The header is already sent when encoding
// fails, so the failure is only logged.
func (h *handlers) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "status", status, "error", err)
	}
}
