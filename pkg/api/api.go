// Package api exposes channel inspection, server-side subscription management
// and publishing over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"

	"github.com/bitechdev/channelhub/pkg/logger"
	"github.com/bitechdev/channelhub/pkg/registry"
)

// ChannelRegistry is the part of the registry the HTTP API uses
type ChannelRegistry interface {
	Subscribe(ctx context.Context, identity, channel string) error
	Unsubscribe(ctx context.Context, identity, channel string) error
	Publish(ctx context.Context, channel, message string) (int64, error)
	Channels() []string
	Subscribers(channel string) []string
	Stats() registry.Stats
	TransportName() string
}

// Handler serves the channel API
type Handler struct {
	registry ChannelRegistry
}

// NewHandler creates an API handler over reg
func NewHandler(reg ChannelRegistry) *Handler {
	return &Handler{registry: reg}
}

// ChannelInfo describes a tracked channel
type ChannelInfo struct {
	Channel     string   `json:"channel"`
	Subscribers int      `json:"subscribers"`
	Identities  []string `json:"identities,omitempty"`
}

// ErrorResponse is the JSON error envelope
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SetupRoutes registers the API routes on router
func SetupRoutes(router *mux.Router, h *Handler) {
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/channels", h.ListChannels).Methods(http.MethodGet)
	api.HandleFunc("/channels/{channel}", h.GetChannel).Methods(http.MethodGet)
	api.HandleFunc("/channels/{channel}/publish", h.Publish).Methods(http.MethodPost)
	api.HandleFunc("/channels/{channel}/subscribers/{identity}", h.Subscribe).Methods(http.MethodPut)
	api.HandleFunc("/channels/{channel}/subscribers/{identity}", h.Unsubscribe).Methods(http.MethodDelete)
	api.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
}

// ListChannels handles GET /api/channels
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels := h.registry.Channels()
	infos := make([]ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		infos = append(infos, ChannelInfo{
			Channel:     ch,
			Subscribers: len(h.registry.Subscribers(ch)),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channels": infos,
		"count":    len(infos),
	})
}

// GetChannel handles GET /api/channels/{channel}
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	identities := h.registry.Subscribers(channel)
	if len(identities) == 0 {
		writeError(w, http.StatusNotFound, "channel_not_found", "channel is not tracked")
		return
	}
	writeJSON(w, http.StatusOK, ChannelInfo{
		Channel:     channel,
		Subscribers: len(identities),
		Identities:  identities,
	})
}

// Publish handles POST /api/channels/{channel}/publish.
// The body is published verbatim unless it is a JSON object with a string
// "message" field, in which case that field is published.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to read request body")
		return
	}

	message := extractMessage(body)
	receivers, err := h.registry.Publish(r.Context(), channel, message)
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel":   channel,
		"receivers": receivers,
	})
}

func extractMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		if field := gjson.GetBytes(body, "message"); field.Type == gjson.String {
			return field.String()
		}
	}
	return string(body)
}

// Subscribe handles PUT /api/channels/{channel}/subscribers/{identity}
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.registry.Subscribe(r.Context(), vars["identity"], vars["channel"]); err != nil {
		h.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel":  vars["channel"],
		"identity": vars["identity"],
		"status":   "subscribed",
	})
}

// Unsubscribe handles DELETE /api/channels/{channel}/subscribers/{identity}
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.registry.Unsubscribe(r.Context(), vars["identity"], vars["channel"]); err != nil {
		h.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel":  vars["channel"],
		"identity": vars["identity"],
		"status":   "unsubscribed",
	})
}

// Stats handles GET /api/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transport": h.registry.TransportName(),
		"stats":     h.registry.Stats(),
	})
}

func (h *Handler) writeRegistryError(w http.ResponseWriter, err error) {
	status, code, message := StatusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Warn("API request failed: %v", err)
	}
	writeError(w, status, code, message)
}

// StatusFor maps a registry error to an HTTP status, error code and message
func StatusFor(err error) (int, string, string) {
	switch {
	case errors.Is(err, registry.ErrInvalidIdentity), errors.Is(err, registry.ErrInvalidChannel):
		var regErr *registry.RegistryError
		errors.As(err, &regErr)
		return http.StatusBadRequest, regErr.Code, regErr.Message
	case errors.Is(err, registry.ErrClosed), errors.Is(err, registry.ErrNotStarted):
		var regErr *registry.RegistryError
		errors.As(err, &regErr)
		return http.StatusServiceUnavailable, regErr.Code, regErr.Message
	}

	var transportErr *registry.TransportError
	if errors.As(err, &transportErr) {
		return http.StatusBadGateway, "transport_error", transportErr.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusGatewayTimeout, "timeout", err.Error()
	}
	return http.StatusInternalServerError, "internal_error", err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
