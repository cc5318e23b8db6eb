// Package kvserver is a small in-memory key/value service speaking the
// REST protocol the remote-http cache backend expects. It backs
// "qcore serve-kv" and the backend's tests.
package kvserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// RequestIDHeader carries the per-request id set by the server.
const RequestIDHeader = "X-Request-Id"

// Server holds the keys in memory. It is safe for concurrent use.
type Server struct {
	mu     sync.RWMutex
	data   map[string][]byte
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates an empty server.
func New(opts ...Option) *Server {
	s := &Server{data: make(map[string][]byte), logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routes:
//
//	GET    /health
//	GET    /kv?pattern=glob
//	GET    /kv/{key}
//	PUT    /kv/{key}   (POST accepted)
//	DELETE /kv/{key}
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestID)

	r.Get("/health", s.health)
	r.Get("/kv", s.keys)
	r.Get("/kv/{key}", s.get)
	r.Put("/kv/{key}", s.put)
	r.Post("/kv/{key}", s.put)
	r.Delete("/kv/{key}", s.delete)
	return r
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("kv server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Len returns the number of stored keys.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		s.logger.Debug("kv request", "id", id, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func keyParam(r *http.Request) (string, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || key == "" {
		return "", false
	}
	return key, true
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(r)
	if !ok {
		http.Error(w, "invalid key", http.StatusBadRequest)
		return
	}
	s.mu.RLock()
	v, found := s.data[key]
	s.mu.RUnlock()
	if !found {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(v)
}

func (s *Server) put(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(r)
	if !ok {
		http.Error(w, "invalid key", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.data[key] = body
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(r)
	if !ok {
		http.Error(w, "invalid key", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	_, found := s.data[key]
	delete(s.data, key)
	s.mu.Unlock()
	if !found {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) keys(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "*"
	}
	if _, err := path.Match(pattern, ""); err != nil {
		http.Error(w, "invalid pattern: "+err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	out := []string{}
	for k := range s.data {
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(out)
	writeJSON(w, http.StatusOK, out)
}
