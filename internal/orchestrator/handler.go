package orchestrator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"stream-orchestrator/internal/platform/logger"
)

// Handler exposes the stream endpoints. Routes are registered by the caller
// on a go-chi router.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler returns a Handler that uses the given Service and Logger.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// response is the envelope every endpoint answers with.
type response struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

type hlsOptions struct {
	MaxFiles int `json:"max_files"`
	Duration int `json:"duration"`
}

// addStreamRequest is the body of POST /addStream.
type addStreamRequest struct {
	RTSP          string      `json:"rtsp"`
	StreamType    string      `json:"stream_type"`
	EncodeOptions string      `json:"encode_options"`
	HLSOptions    *hlsOptions `json:"hls_options"`
}

// AddStream handles POST /addStream.
// Body: {"rtsp":"rtsp://cam1","stream_type":"HLS","encode_options":"multi","hls_options":{"max_files":10,"duration":2}}.
func (h *Handler) AddStream(w http.ResponseWriter, r *http.Request) {
	var body addStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.log.Debug("invalid add stream body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, response{Message: "Invalid request body"})
		return
	}
	if body.RTSP == "" {
		writeJSON(w, http.StatusBadRequest, response{Message: ErrEmptySource.Error()})
		return
	}

	kind, err := ParseOutputKind(body.StreamType)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Message: err.Error()})
		return
	}
	mode, err := ParseOutputMode(body.EncodeOptions)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Message: err.Error()})
		return
	}

	req := AddRequest{Source: body.RTSP, Kind: kind, Mode: mode}
	if body.HLSOptions != nil {
		req.Retention = &RetentionPolicy{
			MaxFiles:        body.HLSOptions.MaxFiles,
			SegmentDuration: body.HLSOptions.Duration,
		}
	}

	key, err := h.svc.Add(req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrShuttingDown) {
			status = http.StatusServiceUnavailable
		}
		h.log.Warn("add stream rejected", logger.Source(body.RTSP), slog.String("error", err.Error()))
		writeJSON(w, status, response{Message: err.Error()})
		return
	}

	h.log.Debug("add stream accepted", slog.String("stream_key", string(key)))
	writeJSON(w, http.StatusOK, response{Status: true, Message: "Initiated"})
}

// GetStreams handles GET /getStreams.
func (h *Handler) GetStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: true, Message: "Fetch Success", Data: h.svc.List()})
}

// DeleteStream handles DELETE /deleteStream?rtsp=...&stream_type=....
func (h *Handler) DeleteStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	src := q.Get("rtsp")
	if src == "" {
		writeJSON(w, http.StatusBadRequest, response{Message: ErrEmptySource.Error()})
		return
	}
	kind, err := ParseOutputKind(q.Get("stream_type"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Message: err.Error()})
		return
	}

	res := h.svc.Delete(src, kind)
	writeJSON(w, http.StatusOK, response{Status: res.Status, Message: res.Message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
