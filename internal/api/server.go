// Package api implements the HTTP control API: predicate registration and
// lifecycle management plus health and metrics endpoints.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/chainhook-labs/chainhookd/internal/metrics"
	"github.com/chainhook-labs/chainhookd/internal/registry"
	"github.com/chainhook-labs/chainhookd/pkg/predicate"
	"github.com/chainhook-labs/chainhookd/pkg/types"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// ChainView is the coordinator surface the API needs: published tips and a
// nudge when a predicate is registered.
type ChainView interface {
	TipHeight(chain types.Chain) uint64
	Notify(chain types.Chain)
}

// Config holds API server settings.
type Config struct {
	Addr string
	// AuthToken guards write endpoints; requests must carry
	// "Authorization: Bearer <token>".
	AuthToken string
	// Networks maps each chain to the network this installation tracks.
	Networks map[types.Chain]types.Network
	// CORSOrigins lists allowed origins; empty disables CORS headers.
	CORSOrigins []string
}

// Server is the control API HTTP server.
type Server struct {
	cfg    Config
	reg    *registry.Registry
	chains ChainView
	server *http.Server
	ln     net.Listener
	log    zerolog.Logger
}

// New creates the control API server.
func New(cfg Config, reg *registry.Registry, chains ChainView, m *metrics.Metrics, logger zerolog.Logger) *Server {
	s := &Server{cfg: cfg, reg: reg, chains: chains, log: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /v1/chainhooks", s.handleList)
	mux.HandleFunc("GET /v1/chainhooks/{uuid}", s.handleGet)
	mux.HandleFunc("POST /v1/chainhooks", s.auth(s.handleRegister))
	mux.HandleFunc("DELETE /v1/chainhooks/{chain}/{uuid}", s.auth(s.handleDelete))
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	var handler http.Handler = mux
	if len(cfg.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}).Handler(mux)
	}

	s.server = &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins listening and serving in a background goroutine.
// It returns immediately after the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("api server error")
		}
	}()
	return nil
}

// Addr returns the listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// auth wraps a write handler with bearer-token checking. Absent or wrong
// credentials get 403 with no body.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || s.cfg.AuthToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	records, err := s.reg.ListAll()
	if err != nil {
		s.log.Error().Err(err).Msg("list predicates")
		writeJSON(w, http.StatusInternalServerError, errorBody("storage error"))
		return
	}
	if records == nil {
		records = []registry.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")
	for _, chain := range []types.Chain{types.ChainBitcoin, types.ChainStacks} {
		rec, err := s.reg.Get(chain, uuid)
		if err == nil {
			writeJSON(w, http.StatusOK, rec)
			return
		}
		if !errors.Is(err, registry.ErrNotFound) {
			s.log.Error().Err(err).Str("predicate_uuid", uuid).Msg("get predicate")
			writeJSON(w, http.StatusInternalServerError, errorBody("storage error"))
			return
		}
	}
	writeJSON(w, http.StatusNotFound, errorBody("predicate not found"))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil || len(body) > maxBodySize {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody("unreadable or oversized body"))
		return
	}

	var spec predicate.FullSpecification
	if err := json.Unmarshal(body, &spec); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody("invalid json: "+err.Error()))
		return
	}

	network, ok := s.cfg.Networks[spec.Chain]
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody(fmt.Sprintf("unknown chain %q", spec.Chain)))
		return
	}

	p, err := spec.Compile(network)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
		return
	}

	tip := s.chains.TipHeight(p.Chain)
	if err := s.reg.Register(p, tip); err != nil {
		if errors.Is(err, registry.ErrExists) {
			writeJSON(w, http.StatusConflict, errorBody(err.Error()))
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
		return
	}

	s.chains.Notify(p.Chain)
	writeJSON(w, http.StatusOK, map[string]string{"uuid": p.UUID, "status": string(predicate.StatusNew)})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	chain := types.Chain(r.PathValue("chain"))
	uuid := r.PathValue("uuid")
	if !chain.Valid() {
		writeJSON(w, http.StatusNotFound, errorBody(fmt.Sprintf("unknown chain %q", chain)))
		return
	}
	if err := s.reg.Delete(chain, uuid); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
			return
		}
		s.log.Error().Err(err).Str("predicate_uuid", uuid).Msg("delete predicate")
		writeJSON(w, http.StatusInternalServerError, errorBody("storage error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"uuid": uuid, "deleted": "true"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errorBody(msg string) map[string]any {
	return map[string]any{"errors": []string{msg}}
}
