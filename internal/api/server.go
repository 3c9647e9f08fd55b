// Package api exposes the upload relay over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/copygo/uploader/internal/backend"
	"github.com/copygo/uploader/internal/config"
	"github.com/copygo/uploader/internal/logging"
	"github.com/copygo/uploader/internal/metrics"
	"github.com/copygo/uploader/internal/models"
	"github.com/copygo/uploader/internal/relay"
	"github.com/copygo/uploader/internal/resolver"
)

// Server handles HTTP requests for the upload relay.
type Server struct {
	cfg      *config.Config
	client   backend.Client
	resolver *resolver.Resolver
	relay    *relay.Relay
	started  time.Time
}

// NewServer creates an HTTP server around a backend client.
func NewServer(cfg *config.Config, client backend.Client) *Server {
	return &Server{
		cfg:      cfg,
		client:   client,
		resolver: resolver.New(client, cfg.DestFolderID, cfg.SessionsRoot, cfg.SessionsRootParent),
		relay: relay.New(client, relay.Limits{
			MaxFileBytes: cfg.MaxFileBytes,
			MaxFiles:     cfg.MaxFiles,
			MaxFields:    cfg.MaxFields,
		}, cfg.BackendTimeout),
		started: time.Now(),
	}
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /selftest", s.handleSelfTest)
	mux.HandleFunc("POST /upload", s.handleUpload)

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"backend": s.cfg.Backend,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSelfTest exercises the backend end to end with the configured
// credentials: it resolves today's session folder and drops a small probe
// file into it, so a deploy can be verified before real uploads arrive.
func (s *Server) handleSelfTest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	fail := func(err error) {
		logging.Warn("selftest failed", zap.Error(err))
		sendJSON(w, http.StatusInternalServerError, map[string]any{
			"ok":      false,
			"backend": s.cfg.Backend,
			"error":   err.Error(),
		})
	}

	if err := s.client.Ping(ctx); err != nil {
		fail(err)
		return
	}

	folderID, err := s.resolver.SessionFolder(ctx, time.Now().UTC().Format("2006-01-02"))
	if err != nil {
		fail(err)
		return
	}

	probe := "SELFTEST " + time.Now().UTC().Format(time.RFC3339)
	created, err := s.client.CreateFile(ctx, models.FileInfo{
		Name:        "selftest.txt",
		ParentID:    folderID,
		ContentType: "text/plain",
	}, strings.NewReader(probe))
	if err != nil {
		fail(err)
		return
	}

	sendJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"backend":        s.cfg.Backend,
		"created":        created,
		"targetFolderId": folderID,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sid := strings.TrimSpace(r.URL.Query().Get("sid"))
	if sid == "" {
		// One shared folder per UTC day when the client names no session.
		sid = time.Now().UTC().Format("2006-01-02")
	}

	mr, err := r.MultipartReader()
	if err != nil {
		metrics.RecordUploadReject("bad_content_type")
		sendError(w, http.StatusBadRequest, "expected multipart/form-data body")
		return
	}

	folderID, err := s.resolver.SessionFolder(ctx, sid)
	if err != nil {
		logging.Error("resolve session folder failed",
			zap.String("sid", sid),
			zap.Error(err))
		sendError(w, http.StatusInternalServerError, uploadErrorMessage(err))
		return
	}

	results, err := s.relay.Process(ctx, mr, folderID)
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrFileTooLarge):
			sendError(w, http.StatusRequestEntityTooLarge, "File too large")
		case errors.Is(err, relay.ErrTooManyFiles), errors.Is(err, relay.ErrTooManyFields):
			sendError(w, http.StatusBadRequest, err.Error())
		default:
			metrics.RecordUploadReject("malformed_body")
			sendError(w, http.StatusBadRequest, "malformed upload body")
		}
		return
	}

	summary := relay.Summarize(results)
	status := http.StatusOK
	if !summary.OK {
		status = http.StatusInternalServerError
	}

	logging.Info("upload handled",
		zap.String("sid", sid),
		zap.Int("files", len(summary.Files)),
		zap.Bool("ok", summary.OK))
	sendJSON(w, status, summary)
}

// uploadErrorMessage keeps credential problems recognizable while hiding
// request internals behind a generic message otherwise.
func uploadErrorMessage(err error) string {
	if models.IsAuthError(err) {
		return err.Error()
	}
	return "upload failed"
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("encode response failed", zap.Error(err))
	}
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]any{
		"ok":    false,
		"error": message,
	})
}
