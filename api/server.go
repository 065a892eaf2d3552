package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bitrise-io/go-s3uploads/presign"
	"github.com/bitrise-io/go-s3uploads/upload"
	"github.com/bitrise-io/go-utils/v2/log"
)

const maxRequestBodySize = 1 << 20

// Backend issues and finalizes uploads on the storage side. *presign.Presigner is a Backend.
type Backend interface {
	upload.Initiator
	upload.PartRequester
	upload.Completer
	Abort(ctx context.Context, key, uploadID string) error
}

// HandlerConfig ...
type HandlerConfig struct {
	// Token is the expected bearer token. Requests are not authenticated when empty.
	Token string
	// UploadTypes restricts the accepted upload types. Every type is accepted when empty.
	UploadTypes []string
}

type handler struct {
	backend Backend
	config  HandlerConfig
	types   map[string]bool
	logger  log.Logger
}

// NewHandler serves the upload API backed by backend.
func NewHandler(backend Backend, config HandlerConfig, logger log.Logger) http.Handler {
	if logger == nil {
		logger = log.NewLogger()
	}
	h := &handler{
		backend: backend,
		config:  config,
		types:   map[string]bool{},
		logger:  logger,
	}
	for _, t := range config.UploadTypes {
		h.types[t] = true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /uploads/{type}/initiate", h.initiate)
	mux.HandleFunc("POST /uploads/{type}/parts", h.parts)
	mux.HandleFunc("POST /uploads/{type}/complete", h.complete)
	mux.HandleFunc("POST /uploads/{type}/abort", h.abort)
	return h.authenticate(mux)
}

func (h *handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.Token != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(h.config.Token)) != 1 {
				h.writeError(w, http.StatusUnauthorized, errors.New("invalid access token"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) initiate(w http.ResponseWriter, r *http.Request) {
	uploadType, ok := h.uploadType(w, r)
	if !ok {
		return
	}
	var req initiateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Files) == 0 {
		h.writeError(w, http.StatusBadRequest, errors.New("no files"))
		return
	}

	sessions, err := h.backend.Initiate(r.Context(), uploadType, req.Files, req.Context)
	if err != nil {
		h.writeBackendError(w, "initiate", err)
		return
	}
	h.logger.Infof("Initiated %d %s upload(s)", len(sessions), uploadType)
	h.writeJSON(w, http.StatusOK, initiateResponse{Uploads: sessions})
}

func (h *handler) parts(w http.ResponseWriter, r *http.Request) {
	uploadType, ok := h.uploadType(w, r)
	if !ok {
		return
	}
	var req partRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.UploadID == "" || req.Key == "" || req.PartNumber < 1 {
		h.writeError(w, http.StatusBadRequest, errors.New("uploadId, key and a positive partNumber are required"))
		return
	}

	presigned, err := h.backend.PartRequest(r.Context(), upload.Chunk{
		Mode:       upload.ModeMultipart,
		UploadType: uploadType,
		UploadID:   req.UploadID,
		PartNumber: req.PartNumber,
		Key:        req.Key,
	})
	if err != nil {
		h.writeBackendError(w, "part request", err)
		return
	}
	h.writeJSON(w, http.StatusOK, presigned)
}

func (h *handler) complete(w http.ResponseWriter, r *http.Request) {
	uploadType, ok := h.uploadType(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if !h.decode(w, r, &req) {
		return
	}

	objects, err := h.backend.Complete(r.Context(), uploadType, req.Files, req.Context)
	if err != nil {
		h.writeBackendError(w, "complete", err)
		return
	}
	h.logger.Infof("Completed %d %s upload(s)", len(objects), uploadType)
	h.writeJSON(w, http.StatusOK, completeResponse{Objects: objects})
}

func (h *handler) abort(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.uploadType(w, r); !ok {
		return
	}
	var req abortRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.UploadID == "" || req.Key == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("uploadId and key are required"))
		return
	}

	if err := h.backend.Abort(r.Context(), req.Key, req.UploadID); err != nil {
		h.writeBackendError(w, "abort", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) uploadType(w http.ResponseWriter, r *http.Request) (string, bool) {
	uploadType := r.PathValue("type")
	if len(h.types) > 0 && !h.types[uploadType] {
		h.writeError(w, http.StatusNotFound, fmt.Errorf("unknown upload type: %s", uploadType))
		return "", false
	}
	return uploadType, true
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func (h *handler) writeBackendError(w http.ResponseWriter, action string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, presign.ErrFileNotAllowed) {
		status = http.StatusUnprocessableEntity
	} else {
		h.logger.Errorf("Failed to %s: %s", action, err)
	}
	h.writeError(w, status, err)
}

func (h *handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warnf("Failed to write response: %s", err)
	}
}
