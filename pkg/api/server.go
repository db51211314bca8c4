// Package api implements the HTTP control surface (§6): WHIP ingest,
// mirror registry operations, and the static operator UI. It keeps the
// teacher's mux/middleware/embedded-FS shape (pkg/api/server.go in
// gtfodev-camsRelay) and its chunked-response idiom, repointed from the
// Cloudflare session proxy to this relay's own WHIP and mirror endpoints.
package api

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaymirror/relaymirror/pkg/errkind"
	"github.com/relaymirror/relaymirror/pkg/mirror"
	"github.com/relaymirror/relaymirror/pkg/supervisor"
)

//go:embed web/*
var webFS embed.FS

// Server is the relay's HTTP control surface.
type Server struct {
	registry   *supervisor.Registry
	gatewayURL string
	log        zerolog.Logger
	httpServer *http.Server
}

// NewServer returns a Server dialing gatewayURL for every mirror it creates.
func NewServer(registry *supervisor.Registry, gatewayURL string, log zerolog.Logger) *Server {
	return &Server{
		registry:   registry,
		gatewayURL: gatewayURL,
		log:        log.With().Str("component", "api").Logger(),
	}
}

// Start binds and serves addr; it returns once the listener either fails
// immediately or the server starts accepting connections.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/whip", s.handleWHIP)
	mux.HandleFunc("/whip/", s.handleWHIPDelete)
	mux.HandleFunc("/api/mirrors", s.handleMirrors)

	staticFS, err := fs.Sub(webFS, "web")
	if err != nil {
		return err
	}
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	mux.HandleFunc("/", s.handleIndex)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withCORS(s.withLogging(mux)),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // mirror create streams a chunked response of unbounded duration
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info().Str("address", addr).Msg("starting HTTP server")

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("HTTP server error")
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.log.Info().Msg("stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleWHIP implements POST /whip: accepts a WHIP SDP offer and attaches
// (or replaces) the Source session.
func (s *Server) handleWHIP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.Header.Get("Authorization") == "" {
		s.writeErr(w, errkind.Wrap(errkind.Authentication, fmt.Errorf("missing Authorization header")))
		return
	}

	offer, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read offer body", http.StatusBadRequest)
		return
	}

	answer, id, err := s.registry.AttachSource(r.Context(), string(offer))
	if err != nil {
		s.writeErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", "/whip/"+id)
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(answer))
}

// handleWHIPDelete implements DELETE /whip/<id>.
func (s *Server) handleWHIPDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/whip/")
	found, err := s.registry.DetachSourceByID(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !found {
		http.Error(w, "no such source", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleMirrors routes GET /api/mirrors and POST /api/mirrors?action=....
func (s *Server) handleMirrors(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListMirrors(w, r)
	case http.MethodPost:
		switch r.URL.Query().Get("action") {
		case "create":
			s.handleCreateMirror(w, r)
		case "delete":
			s.handleDeleteMirror(w, r)
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleListMirrors implements GET /api/mirrors: an array whose length is
// the highest ever-assigned index plus one, with null for freed slots.
func (s *Server) handleListMirrors(w http.ResponseWriter, r *http.Request) {
	slots := s.registry.List()

	type entry struct{}
	out := make([]*entry, len(slots))
	for i, slot := range slots {
		if slot != nil {
			out[i] = &entry{}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

type createMirrorRequest struct {
	Token     string      `json:"token"`
	GuildID   json.Number `json:"guild_id"`
	ChannelID json.Number `json:"channel_id"`
}

// handleCreateMirror implements POST /api/mirrors?action=create: a
// text/plain chunked response of progress lines, the last of which is
// "success" or a short error phrase. guild_id/channel_id are decoded via
// json.Number to preserve full 64-bit precision (§6).
func (s *Server) handleCreateMirror(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()

	var req createMirrorRequest
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	guildID, err := strconv.ParseInt(req.GuildID.String(), 10, 64)
	if err != nil {
		http.Error(w, "invalid guild_id", http.StatusBadRequest)
		return
	}
	channelID, err := strconv.ParseInt(req.ChannelID.String(), 10, 64)
	if err != nil {
		http.Error(w, "invalid channel_id", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	progress := func(line string) {
		_, _ = fmt.Fprintln(w, line)
		if flusher != nil {
			flusher.Flush()
		}
	}

	creds := mirror.Credentials{Token: req.Token, GuildID: guildID, ChannelID: channelID}
	if _, err := s.registry.Create(context.Background(), s.gatewayURL, creds, progress); err != nil {
		s.log.Error().Err(err).Msg("mirror create failed")
	}
}

type deleteMirrorRequest struct {
	ID int `json:"id"`
}

// handleDeleteMirror implements POST /api/mirrors?action=delete.
func (s *Server) handleDeleteMirror(w http.ResponseWriter, r *http.Request) {
	var req deleteMirrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !s.registry.Exists(req.ID) {
		http.Error(w, "no such mirror", http.StatusNotFound)
		return
	}

	if err := s.registry.Delete(req.ID); err != nil {
		s.writeErr(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleIndex serves the embedded operator page.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	indexHTML, err := webFS.ReadFile("web/index.html")
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read index.html")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

// writeErr maps an errkind-classified error onto an HTTP status.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	kind, _ := errkind.As(err)
	switch kind {
	case errkind.MediaNegotiation:
		http.Error(w, err.Error(), http.StatusNotAcceptable)
	case errkind.Authentication:
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errkind.Timeout:
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("HTTP request")
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
