// Package rest provides HTTP/JSON endpoints for convoy.
//
// This package wraps the gRPC service so chat transports that cannot speak
// gRPC (webhooks, mostly) can deliver events. Every gRPC method has a REST
// route.
//
// Endpoints:
//
//	POST /v1/events                          - Ingest an event
//	POST /v1/blobs                           - Upload attachment content
//	GET  /v1/conversations/{id}              - Conversation status
//	POST /v1/conversations/{id}/cancel       - Cancel in-flight work
//	GET  /v1/accounts/{id}/balance           - Get balance
//	POST /v1/accounts/{id}/credit            - Credit an account
//	GET  /v1/accounts/{id}/charges?limit=N   - Recent charges
//	GET  /health                             - Liveness check
//	GET  /ready                              - Readiness check
//	GET  /metrics                            - Prometheus metrics
package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kelpejol/convoy/internal/api"
	"github.com/kelpejol/convoy/internal/store"
)

const (
	// maxBodyBytes bounds JSON bodies. Attachments are referenced by blob id.
	maxBodyBytes = 1 << 20
	maxBlobBytes = 32 << 20
)

// Blobs stores attachment content addressed by hash.
type Blobs interface {
	Put(ctx context.Context, contentType string, data []byte) (store.Blob, error)
}

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Handler provides REST API endpoints.
type Handler struct {
	svc      api.ConvoyServer
	blobs    Blobs
	checks   map[string]Check
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

// NewHandler creates a new REST API handler. checks are run by /ready; a nil
// gatherer serves the default Prometheus registry.
func NewHandler(svc api.ConvoyServer, blobs Blobs, checks map[string]Check, gatherer prometheus.Gatherer, logger zerolog.Logger) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		svc:      svc,
		blobs:    blobs,
		checks:   checks,
		gatherer: gatherer,
		log:      logger.With().Str("component", "rest_handler").Logger(),
	}
}

// RegisterRoutes registers all REST API routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/events", h.handleIngest)
	mux.HandleFunc("POST /v1/blobs", h.handleBlob)
	mux.HandleFunc("GET /v1/conversations/{id}", h.handleStatus)
	mux.HandleFunc("POST /v1/conversations/{id}/cancel", h.handleCancel)
	mux.HandleFunc("GET /v1/accounts/{id}/balance", h.handleBalance)
	mux.HandleFunc("POST /v1/accounts/{id}/credit", h.handleCredit)
	mux.HandleFunc("GET /v1/accounts/{id}/charges", h.handleCharges)

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /ready", h.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readBody(w, r)
	if !ok {
		return
	}
	h.call(w, r, h.svc.Ingest, req)
}

// handleBlob stores the raw request body and returns its id, to be sent
// as an attachment of a later event.
func (h *Handler) handleBlob(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBlobBytes))
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "blob too large")
		return
	}
	if len(data) == 0 {
		h.writeError(w, http.StatusBadRequest, "empty blob")
		return
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}

	blob, err := h.blobs.Put(r.Context(), ct, data)
	if err != nil {
		h.log.Error().Err(err).Int("size", len(data)).Msg("blob upload failed")
		h.writeError(w, http.StatusServiceUnavailable, "failed to store blob")
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"blob_id":      blob.ID,
		"content_type": blob.ContentType,
		"size":         blob.Size,
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.call(w, r, h.svc.ConversationStatus, params(map[string]any{"conversation_id": r.PathValue("id")}))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.call(w, r, h.svc.Cancel, params(map[string]any{"conversation_id": r.PathValue("id")}))
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	h.call(w, r, h.svc.GetBalance, params(map[string]any{"account_id": r.PathValue("id")}))
}

func (h *Handler) handleCredit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readBody(w, r)
	if !ok {
		return
	}
	req.Fields["account_id"] = structpb.NewStringValue(r.PathValue("id"))
	h.call(w, r, h.svc.Credit, req)
}

func (h *Handler) handleCharges(w http.ResponseWriter, r *http.Request) {
	fields := map[string]any{"account_id": r.PathValue("id")}
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		fields["limit"] = limit
	}
	h.call(w, r, h.svc.ListCharges, params(fields))
}

// handleHealth handles GET /health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReady handles GET /ready. Every dependency check must pass.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		h.log.Warn().Interface("failed", failed).Msg("readiness check failed")
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ready": false, "failed": failed})
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

type method func(context.Context, *structpb.Struct) (*structpb.Struct, error)

func (h *Handler) call(w http.ResponseWriter, r *http.Request, m method, req *structpb.Struct) {
	if req == nil {
		h.writeError(w, http.StatusBadRequest, "invalid parameters")
		return
	}
	resp, err := m(r.Context(), req)
	if err != nil {
		h.handleGRPCError(w, err)
		return
	}
	raw, err := protojson.Marshal(resp)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
		h.writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	h.writeJSON(w, http.StatusOK, json.RawMessage(raw))
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) (*structpb.Struct, bool) {
	var body map[string]interface{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return nil, false
	}
	req, err := structpb.NewStruct(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return nil, false
	}
	return req, true
}

func params(fields map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil
	}
	return s
}

// handleGRPCError converts gRPC errors to HTTP errors.
func (h *Handler) handleGRPCError(w http.ResponseWriter, err error) {
	st := status.Convert(err)

	statusCode := http.StatusInternalServerError
	switch st.Code() {
	case codes.InvalidArgument:
		statusCode = http.StatusBadRequest
	case codes.NotFound:
		statusCode = http.StatusNotFound
	case codes.FailedPrecondition:
		statusCode = http.StatusPaymentRequired
	case codes.Unavailable:
		statusCode = http.StatusServiceUnavailable
	case codes.Canceled:
		statusCode = 499
	}

	if statusCode >= http.StatusInternalServerError {
		h.log.Error().Err(err).Int("status", statusCode).Msg("REST API error")
	}
	h.writeError(w, statusCode, st.Message())
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    statusCode,
			"message": message,
		},
		"timestamp": time.Now().Unix(),
	})
}
