package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"stash/internal/chunkstore"
	"stash/internal/s3"
)

// maxFormMemory is the in-memory threshold for parsed multipart forms;
// larger file parts spill to disk-backed temporaries.
const maxFormMemory = 32 << 20

// Server exposes the upload session engine over HTTP.
type Server struct {
	manager *Manager
}

// NewServer returns a Server over the given Manager.
func NewServer(manager *Manager) *Server {
	return &Server{manager: manager}
}

type detailResponse struct {
	Detail string `json:"detail"`
}

type initResponse struct {
	UploadID string `json:"upload_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode JSON response", "err", err)
	}
}

// handleInit implements POST /upload/chunk/init.
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	filename := r.FormValue("filename")
	sizeRaw := r.FormValue("file_size")
	if filename == "" || sizeRaw == "" {
		writeJSON(w, http.StatusBadRequest, detailResponse{Detail: "filename and file_size are required"})
		return
	}

	fileSize, err := strconv.ParseInt(sizeRaw, 10, 64)
	if err != nil || fileSize < 0 {
		writeJSON(w, http.StatusBadRequest, detailResponse{Detail: "file_size must be a non-negative integer"})
		return
	}

	id, err := s.manager.Init(r.Context(), filename, fileSize)
	if err != nil {
		slog.Error("Failed to create upload session", "err", err)
		writeJSON(w, http.StatusInternalServerError, detailResponse{Detail: "failed to create upload session"})
		return
	}

	writeJSON(w, http.StatusOK, initResponse{UploadID: id})
}

// handleChunk implements POST /upload/chunk.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		writeJSON(w, http.StatusBadRequest, detailResponse{Detail: "malformed multipart form"})
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	uploadID := r.FormValue("upload_id")
	index, err := strconv.Atoi(r.FormValue("chunk_index"))
	if err != nil || index < 0 {
		writeJSON(w, http.StatusBadRequest, detailResponse{Detail: "chunk_index must be a non-negative integer"})
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, detailResponse{Detail: "file field is required"})
		return
	}
	defer file.Close()

	if err := s.manager.ReceiveChunk(r.Context(), uploadID, index, file); err != nil {
		if errors.Is(err, chunkstore.ErrInvalidSession) {
			slog.Warn("Invalid upload id", "upload_id", uploadID)
			writeJSON(w, http.StatusForbidden, detailResponse{Detail: "Invalid upload id"})
			return
		}
		slog.Error("Failed to stage chunk", "upload_id", uploadID, "chunk_index", index, "err", err)
		writeJSON(w, http.StatusInternalServerError, detailResponse{Detail: "Error uploading chunk"})
		return
	}

	writeJSON(w, http.StatusOK, detailResponse{Detail: "chunk uploaded"})
}

// handleComplete implements POST /upload/chunk/complete.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	uploadID := r.FormValue("upload_id")
	filename := r.FormValue("filename")
	if uploadID == "" || filename == "" {
		writeJSON(w, http.StatusBadRequest, detailResponse{Detail: "upload_id and filename are required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.manager.cfg.TransferTimeout)
	defer cancel()

	err := s.manager.Complete(ctx, uploadID, filename)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, detailResponse{Detail: "upload complete"})
	case errors.Is(err, chunkstore.ErrInvalidSession):
		slog.Warn("Invalid upload id", "upload_id", uploadID)
		writeJSON(w, http.StatusForbidden, detailResponse{Detail: "Invalid upload id"})
	default:
		var backendErr *s3.Error
		if errors.As(err, &backendErr) {
			slog.Error("Backend rejected merged file",
				"upload_id", uploadID, "status", backendErr.StatusCode, "body", backendErr.Body)
			writeJSON(w, http.StatusInternalServerError, detailResponse{
				Detail: fmt.Sprintf("storage backend error %d: %s", backendErr.StatusCode, backendErr.Body),
			})
			return
		}
		slog.Error("Failed to complete upload", "upload_id", uploadID, "err", err)
		writeJSON(w, http.StatusInternalServerError, detailResponse{Detail: "Error completing upload"})
	}
}

// handleFile implements POST /upload/file, the single-shot full-file path.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		writeJSON(w, http.StatusBadRequest, detailResponse{Detail: "malformed multipart form"})
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, detailResponse{Detail: "file field is required"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		slog.Error("Failed to read upload body", "err", err)
		writeJSON(w, http.StatusInternalServerError, detailResponse{Detail: "failed to read upload"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.manager.cfg.TransferTimeout)
	defer cancel()

	if err := s.manager.UploadFile(ctx, header.Filename, data); err != nil {
		slog.Error("S3 upload failed", "filename", header.Filename, "err", err)
		writeJSON(w, http.StatusInternalServerError, detailResponse{Detail: "S3 upload failed"})
		return
	}

	writeJSON(w, http.StatusOK, detailResponse{Detail: "upload complete"})
}
