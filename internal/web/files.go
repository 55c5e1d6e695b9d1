package web

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/chatgate/chatgate/internal/store"
)

// uploadRequest is the POST /api/files body.
type uploadRequest struct {
	Filename      string            `json:"filename"`
	ContentBase64 string            `json:"content_base64"`
	ContentType   string            `json:"content_type"`
	Tags          map[string]string `json:"tags"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	user, err := s.identity.UserFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Filename == "" || req.ContentBase64 == "" {
		writeError(w, http.StatusBadRequest, "filename and content_base64 are required")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "content_base64 is not valid base64")
		return
	}

	info, err := s.objects.Upload(r.Context(), user, req.Filename, data, req.ContentType, req.Tags, store.SourceUser)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upload failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// handleDownload streams object bytes. Access requires either a capability
// token naming the requester and the key, or ownership of the key.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}

	user, err := s.identity.UserFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	if token := r.URL.Query().Get("token"); token != "" {
		claims, err := s.minter.Verify(token, user)
		if err != nil {
			writeError(w, http.StatusForbidden, "invalid token")
			return
		}
		if claims.Key != key {
			writeError(w, http.StatusForbidden, "token does not cover this key")
			return
		}
	} else if store.KeyOwner(key) != user {
		writeError(w, http.StatusForbidden, "not the owner")
		return
	}

	obj, err := s.objects.Get(r.Context(), store.KeyOwner(key), key)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+store.KeyFilename(key)+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(obj.Data)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	user, err := s.identity.UserFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	infos, err := s.objects.List(r.Context(), user, r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": infos})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	user, err := s.identity.UserFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	stats, err := s.objects.Stats(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	user, err := s.identity.UserFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	key := chi.URLParam(r, "*")
	existed, err := s.objects.Delete(r.Context(), user, key)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": existed, "key": key})
}

// ── response helpers ──

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, store.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, "invalid key")
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
