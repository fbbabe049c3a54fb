package handlers

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const maxUploadBytes = 32 << 20

// UploadInput accepts one binary input (person photo, garment shot, ...)
// and stores it under a fresh input key the client references when
// submitting jobs.
func (a *App) UploadInput(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "multipart form required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		a.error(w, http.StatusBadRequest, "validation", "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "failed to read file")
		return
	}
	if len(data) == 0 {
		a.error(w, http.StatusBadRequest, "validation", "file is empty")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext == "" {
		ext = ".bin"
	}
	key := fmt.Sprintf("inputs/%s%s", uuid.NewString(), ext)

	stored, err := a.Objects.UploadBuffer(r.Context(), data, key, contentType)
	if err != nil {
		a.Logger.Error().Err(err).Str("key", key).Msg("gateway: input upload failed")
		a.error(w, http.StatusInternalServerError, "storage", "failed to store input")
		return
	}
	a.json(w, http.StatusCreated, map[string]string{
		"key":          stored.Key,
		"content_type": contentType,
	})
}
