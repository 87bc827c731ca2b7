// Package remotestore implements the remote pick store: a small HTTP
// key-value service scoped by production id.
//
//	GET  /v1/productions/{id}/picks   returns the saved collection, or an empty one
//	PUT  /v1/productions/{id}/picks   upserts the states of a collection per segment
//
// Every request needs the shared bearer token. Browsers are only served for
// origins on the allowlist; preflight requests are answered without a
// token. PUT bodies are size-limited and must decode into a valid
// [persist.Collection].
package remotestore

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/takewright/internal/persist"
	"github.com/MrWong99/takewright/internal/review"
)

const (
	// DefaultMaxBodyBytes bounds a PUT body.
	DefaultMaxBodyBytes = 4 << 20

	picksPath = "/v1/productions/{id}/picks"
)

var productionID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Option is a functional option for [New].
type Option func(*Server)

// WithAllowedOrigins sets the CORS allowlist. Without it no cross-origin
// request is served.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = slices.Clone(origins) }
}

// WithMaxBodyBytes sets the PUT body limit. Defaults to [DefaultMaxBodyBytes].
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBody = n }
}

// WithClock overrides the time source used for SavedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server serves the pick store API on top of a [persist.Store].
type Server struct {
	store   persist.Store
	token   []byte
	origins []string
	maxBody int64
	now     func() time.Time
}

// New creates a Server. token must not be empty.
func New(store persist.Store, token string, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, errors.New("remotestore: store must not be nil")
	}
	if token == "" {
		return nil, errors.New("remotestore: auth token must not be empty")
	}
	s := &Server{
		store:   store,
		token:   []byte("Bearer " + token),
		maxBody: DefaultMaxBodyBytes,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("GET "+picksPath, s.cors(s.auth(http.HandlerFunc(s.handleGet))))
	mux.Handle("PUT "+picksPath, s.cors(s.auth(http.HandlerFunc(s.handlePut))))
	mux.Handle("OPTIONS "+picksPath, s.cors(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
}

// Handler returns a mux serving only the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// cors applies the origin allowlist. Requests without an Origin header are
// not browser cross-origin requests and pass through.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Add("Vary", "Origin")
		if !slices.Contains(s.origins, origin) {
			slog.Debug("remotestore: origin not allowed", "origin", origin)
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Access-Control-Max-Age", "600")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, s.token) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="takewright"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	states, err := s.store.Load(r.Context(), id)
	switch {
	case errors.Is(err, persist.ErrNotFound):
		states = []review.PickState{}
	case err != nil:
		slog.Error("remotestore: load failed", "production", id, "err", err)
		http.Error(w, "load failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, persist.Collection{Production: id, States: states})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		http.Error(w, "content type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	c, err := decodeCollection(body)
	if err != nil {
		http.Error(w, "invalid collection: "+err.Error(), http.StatusBadRequest)
		return
	}
	if c.Production != "" && c.Production != id {
		http.Error(w, "production in body does not match path", http.StatusBadRequest)
		return
	}
	if len(c.States) > 0 {
		if err := s.store.Save(r.Context(), id, c.States...); err != nil {
			slog.Error("remotestore: save failed", "production", id, "states", len(c.States), "err", err)
			http.Error(w, "save failed", http.StatusInternalServerError)
			return
		}
	}
	slog.Debug("remotestore: saved", "production", id, "states", len(c.States))
	writeJSON(w, http.StatusOK, struct {
		Production string    `json:"production"`
		Saved      int       `json:"saved"`
		SavedAt    time.Time `json:"saved_at"`
	}{id, len(c.States), s.now().UTC()})
}

// decodeCollection parses and validates a PUT body.
func decodeCollection(body []byte) (persist.Collection, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var c persist.Collection
	if err := dec.Decode(&c); err != nil {
		return c, err
	}
	if dec.More() {
		return c, errors.New("trailing data after collection")
	}
	if c.States == nil {
		return c, errors.New(`missing "states"`)
	}
	return c, c.Validate()
}

func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if !productionID.MatchString(id) {
		http.Error(w, "invalid production id", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
