package handler

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stepup/flick/internal/logger"
	"github.com/stepup/flick/internal/metrics"
	"github.com/stepup/flick/internal/uploader"
)

type AttachmentHandler struct {
	svc   *uploader.Service
	store uploader.BlobStore
}

func NewAttachmentHandler(svc *uploader.Service, store uploader.BlobStore) *AttachmentHandler {
	return &AttachmentHandler{svc: svc, store: store}
}

// Upload обрабатывает POST multipart/form-data с полем "file".
// Ошибки валидации — 400, не настроенное хранилище — 503 с отдельным
// сообщением (нужен администратор, а не повтор).
func (h *AttachmentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	// Небольшой запас поверх лимита на multipart-оверхед.
	r.Body = http.MaxBytesReader(w, r.Body, h.svc.MaxUploadSize()+1<<20)
	if err := r.ParseMultipartForm(h.svc.MaxUploadSize()); err != nil {
		metrics.IncUpload("too_large")
		writeError(w, http.StatusBadRequest, "file too large")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	res, err := h.svc.Upload(r.Context(), header.Filename, file)
	switch {
	case errors.Is(err, uploader.ErrTooLarge):
		metrics.IncUpload("too_large")
		writeError(w, http.StatusBadRequest, "file too large")
		return
	case errors.Is(err, uploader.ErrUnsupportedType):
		metrics.IncUpload("unsupported")
		writeError(w, http.StatusBadRequest, "file type not allowed")
		return
	case errors.Is(err, uploader.ErrStoreNotConfigured):
		metrics.IncUpload("not_configured")
		writeError(w, http.StatusServiceUnavailable, "file storage not configured, contact the administrator")
		return
	case err != nil:
		metrics.IncUpload("error")
		logger.Errorf("upload %s: %v", header.Filename, err)
		writeError(w, http.StatusInternalServerError, "upload failed, try again")
		return
	}
	metrics.IncUpload("ok")
	writeJSON(w, http.StatusOK, res)
}

// Serve отдаёт сохранённый файл по имени.
func (h *AttachmentHandler) Serve(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "file storage not configured, contact the administrator")
		return
	}
	name := filepath.Base(chi.URLParam(r, "name"))
	rc, err := h.store.Open(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	defer rc.Close()

	if ct := contentTypeByName(name); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		logger.Errorf("serve file %s: %v", name, err)
	}
}

func contentTypeByName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".ogg":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	}
	return ""
}
