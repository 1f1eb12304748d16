package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/camerarts/lumina-portfolio/internal/app"
	"github.com/camerarts/lumina-portfolio/internal/ratelimit"
	"github.com/camerarts/lumina-portfolio/internal/util"
	"github.com/camerarts/lumina-portfolio/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                      *app.App
	AdminToken               string
	RedisAddr                string
	RedisPassword            string
	UploadRateLimitPerMinute int
	BatchRateLimitPerMinute  int
	MaxUploadBytes           int64
	AllowedExtensions        []string
}

// Server exposes the portfolio HTTP endpoints.
type Server struct {
	app               *app.App
	adminToken        string
	mux               *http.ServeMux
	maxUploadBytes    int64
	allowedExtensions map[string]struct{}
	uploadLimiter     *ratelimit.FixedWindowLimiter
	batchLimiter      *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if strings.TrimSpace(cfg.AdminToken) == "" {
		return nil, errors.New("admin token required")
	}
	uploadLimit := cfg.UploadRateLimitPerMinute
	if uploadLimit <= 0 {
		uploadLimit = 30
	}
	batchLimit := cfg.BatchRateLimitPerMinute
	if batchLimit <= 0 {
		batchLimit = 10
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "portfolio:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	uploadLimiter, err := newLimiter("upload", uploadLimit)
	if err != nil {
		return nil, err
	}
	batchLimiter, err := newLimiter("batch", batchLimit)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:               cfg.App,
		adminToken:        cfg.AdminToken,
		mux:               http.NewServeMux(),
		maxUploadBytes:    normalizeMaxBytes(cfg.MaxUploadBytes),
		allowedExtensions: normalizeExtensions(cfg.AllowedExtensions),
		uploadLimiter:     uploadLimiter,
		batchLimiter:      batchLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("portfolio", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// photos
	s.mux.HandleFunc("/photos", s.handlePhotos)
	s.mux.HandleFunc("/photos/", s.handlePhotoByID)
	s.mux.Handle("/upload", s.authorized(s.handleUpload))
	s.mux.Handle("/batch_update", s.authorized(s.handleBatchUpdate))

	// well-known system documents
	s.mux.HandleFunc("/categories", s.handleCategories)
	s.mux.HandleFunc("/presets", s.handlePresets)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorized guards mutating endpoints with the static admin bearer token.
// The check runs before any body parsing or store access.
func (s *Server) authorized(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			s.audit(r, "portfolio.authorize", "fail")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

// GET /photos?page&pageSize&category
func (s *Server) handlePhotos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	page := intQuery(r, "page", 1)
	pageSize := intQuery(r, "pageSize", 0)
	items, err := s.app.List(r.Context(), page, pageSize, r.URL.Query().Get("category"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

// GET /photos/{id} or DELETE /photos/{id}
func (s *Server) handlePhotoByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/photos/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		rec, err := s.app.Get(r.Context(), id)
		if err != nil {
			writePhotoError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodDelete:
		s.authorized(func(w http.ResponseWriter, r *http.Request) {
			if err := s.app.Delete(r.Context(), id); err != nil {
				writePhotoError(w, err)
				return
			}
			s.audit(r, "portfolio.photo.delete", "success", "photo_id", id)
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		}).ServeHTTP(w, r)
	default:
		methodNotAllowed(w)
	}
}

// POST /upload — multipart create or edit, depending on meta.id.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.uploadLimiter, "too many uploads") {
		s.audit(r, "portfolio.upload", "rate_limited")
		return
	}
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	in, closers, err := s.uploadInput(r)
	defer closeAll(closers)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var rec domain.PhotoRecord
	created := in.ID == ""
	if created {
		rec, err = s.app.Create(r.Context(), in)
	} else {
		rec, err = s.app.Edit(r.Context(), in)
	}
	if err != nil {
		writePhotoError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.audit(r, "portfolio.upload", "success", "photo_id", rec.ID, "created", created)
	resp := map[string]any{"id": rec.ID, "url": rec.URL}
	if rec.URLs != nil {
		resp["urls"] = rec.URLs
	}
	writeJSON(w, status, resp)
}

// metaPayload mirrors the JSON "meta" form field. Pointer fields
// distinguish "absent" from "set to zero" so edits merge instead of
// clobbering.
type metaPayload struct {
	ID          string       `json:"id,omitempty"`
	Title       *string      `json:"title,omitempty"`
	Description *string      `json:"description,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	Width       *int         `json:"width,omitempty"`
	Height      *int         `json:"height,omitempty"`
	Rating      *int         `json:"rating,omitempty"`
	Exif        *domain.Exif `json:"exif,omitempty"`
}

func (s *Server) uploadInput(r *http.Request) (app.UploadInput, []io.Closer, error) {
	var closers []io.Closer
	metaRaw := r.FormValue("meta")
	var meta metaPayload
	if metaRaw != "" {
		if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
			return app.UploadInput{}, closers, errors.New("invalid meta JSON")
		}
	}
	in := app.UploadInput{
		ID:          strings.TrimSpace(meta.ID),
		Title:       meta.Title,
		Description: meta.Description,
		Tags:        meta.Tags,
		Width:       meta.Width,
		Height:      meta.Height,
		Rating:      meta.Rating,
		Exif:        meta.Exif,
	}
	for _, field := range []struct {
		name string
		dst  **app.Blob
	}{
		{"file", &in.File},
		{"file_small", &in.FileSmall},
		{"file_medium", &in.FileMedium},
	} {
		file, header, err := r.FormFile(field.name)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			return app.UploadInput{}, closers, fmt.Errorf("read %s: %w", field.name, err)
		}
		closers = append(closers, file)
		if !s.isExtensionAllowed(header.Filename) {
			return app.UploadInput{}, closers, errors.New("unsupported file type")
		}
		*field.dst = &app.Blob{
			Reader:      file,
			Size:        header.Size,
			ContentType: header.Header.Get("Content-Type"),
			Filename:    header.Filename,
		}
	}
	if in.ID == "" && in.File == nil {
		return app.UploadInput{}, closers, errors.New("file is required (field: file)")
	}
	return in, closers, nil
}

type batchRequest struct {
	IDs     []string         `json:"ids"`
	Updates domain.ExifPatch `json:"updates"`
}

// POST /batch_update — per-id partial EXIF update. Partial failure is an
// HTTP 200 with mixed per-id results.
func (s *Server) handleBatchUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.batchLimiter, "too many batch updates") {
		s.audit(r, "portfolio.batch_update", "rate_limited")
		return
	}
	var req batchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	results, err := s.app.BatchUpdateExif(r.Context(), req.IDs, req.Updates)
	if err != nil {
		writePhotoError(w, err)
		return
	}
	s.audit(r, "portfolio.batch_update", "success", "ids", len(req.IDs))
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// GET/POST /categories
func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cats, err := s.app.Categories(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"categories": cats})
	case http.MethodPost:
		s.authorized(func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Categories []string `json:"categories"`
			}
			if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			if err := s.app.SetCategories(r.Context(), req.Categories); err != nil {
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
		}).ServeHTTP(w, r)
	default:
		methodNotAllowed(w)
	}
}

// GET/POST /presets
func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		p, err := s.app.Presets(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPost:
		s.authorized(func(w http.ResponseWriter, r *http.Request) {
			var p domain.Presets
			if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&p); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			if err := s.app.SetPresets(r.Context(), p); err != nil {
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
		}).ServeHTTP(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, nil)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, nil),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func (s *Server) isExtensionAllowed(filename string) bool {
	if len(s.allowedExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(filename))
	_, ok := s.allowedExtensions[ext]
	return ok
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func intQuery(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writePhotoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "photo not found")
	case errors.Is(err, app.ErrFileRequired),
		errors.Is(err, app.ErrTitleRequired),
		errors.Is(err, app.ErrInvalidRating),
		errors.Is(err, app.ErrNoIDs):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("photo operation failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForPhoto(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeForPhoto(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "photo not found":
		return "PHOTO_NOT_FOUND"
	case strings.Contains(message, "file is required"), message == "file required":
		return "PHOTO_FILE_REQUIRED"
	case message == "unsupported file type":
		return "PHOTO_UNSUPPORTED_FILE_TYPE"
	case message == "invalid form data":
		return "PHOTO_INVALID_UPLOAD_FORM"
	case message == "invalid json body", message == "invalid meta json":
		return "PHOTO_INVALID_REQUEST"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "PHOTO_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusNotFound:
		return "PHOTO_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 50 * 1024 * 1024
	}
	return value
}

func normalizeExtensions(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		exts = []string{".jpg", ".jpeg", ".png", ".webp", ".gif", ".avif"}
	}
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = struct{}{}
	}
	return out
}
