package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kelpejol/convoy/internal/api"
	"github.com/kelpejol/convoy/internal/store"
)

// stubService echoes each request back under the method name, or fails with
// err when set.
type stubService struct {
	err  error
	last *structpb.Struct
}

var _ api.ConvoyServer = (*stubService)(nil)

func (s *stubService) reply(method string, req *structpb.Struct) (*structpb.Struct, error) {
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return structpb.NewStruct(map[string]any{"method": method, "request": req.AsMap()})
}

func (s *stubService) Ingest(_ context.Context, r *structpb.Struct) (*structpb.Struct, error) {
	return s.reply("Ingest", r)
}

func (s *stubService) Cancel(_ context.Context, r *structpb.Struct) (*structpb.Struct, error) {
	return s.reply("Cancel", r)
}

func (s *stubService) GetBalance(_ context.Context, r *structpb.Struct) (*structpb.Struct, error) {
	return s.reply("GetBalance", r)
}

func (s *stubService) Credit(_ context.Context, r *structpb.Struct) (*structpb.Struct, error) {
	return s.reply("Credit", r)
}

func (s *stubService) ListCharges(_ context.Context, r *structpb.Struct) (*structpb.Struct, error) {
	return s.reply("ListCharges", r)
}

func (s *stubService) ConversationStatus(_ context.Context, r *structpb.Struct) (*structpb.Struct, error) {
	return s.reply("ConversationStatus", r)
}

type memBlobs struct {
	put []store.Blob
}

func (m *memBlobs) Put(_ context.Context, ct string, data []byte) (store.Blob, error) {
	b := store.Blob{ID: fmt.Sprintf("blob-%d", len(m.put)+1), ContentType: ct, Size: int64(len(data)), Data: data}
	m.put = append(m.put, b)
	return b, nil
}

func serve(t *testing.T, svc api.ConvoyServer, checks map[string]Check) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "convoy_test_total", Help: "test"}))
	return NewServer(":0", NewHandler(svc, &memBlobs{}, checks, reg, zerolog.Nop()), false, zerolog.Nop()).Handler
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestRoutes(t *testing.T) {
	svc := &stubService{}
	h := serve(t, svc, nil)

	tests := []struct {
		method, path, body string
		wantMethod         string
		wantFields         map[string]any
	}{
		{"POST", "/v1/events", `{"event_id":"e1","text":"hi"}`, "Ingest", map[string]any{"event_id": "e1", "text": "hi"}},
		{"GET", "/v1/conversations/c1", "", "ConversationStatus", map[string]any{"conversation_id": "c1"}},
		{"POST", "/v1/conversations/c1/cancel", "", "Cancel", map[string]any{"conversation_id": "c1"}},
		{"GET", "/v1/accounts/a1/balance", "", "GetBalance", map[string]any{"account_id": "a1"}},
		{"POST", "/v1/accounts/a1/credit", `{"operation_id":"op","amount":"1.5"}`, "Credit",
			map[string]any{"account_id": "a1", "operation_id": "op", "amount": "1.5"}},
		{"GET", "/v1/accounts/a1/charges?limit=5", "", "ListCharges", map[string]any{"account_id": "a1", "limit": float64(5)}},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec, out := do(t, h, tt.method, tt.path, tt.body)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantMethod, out["method"])
			assert.Equal(t, tt.wantFields, out["request"])
		})
	}
}

func TestBadRequests(t *testing.T) {
	h := serve(t, &stubService{}, nil)

	rec, _ := do(t, h, "POST", "/v1/events", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, "GET", "/v1/accounts/a1/charges?limit=ten", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, "GET", "/v1/events", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		code codes.Code
		want int
	}{
		{codes.InvalidArgument, http.StatusBadRequest},
		{codes.NotFound, http.StatusNotFound},
		{codes.FailedPrecondition, http.StatusPaymentRequired},
		{codes.Unavailable, http.StatusServiceUnavailable},
		{codes.Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			h := serve(t, &stubService{err: status.Error(tt.code, "nope")}, nil)
			rec, out := do(t, h, "GET", "/v1/accounts/a1/balance", "")
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, "nope", out["error"].(map[string]any)["message"])
		})
	}
}

func TestProbes(t *testing.T) {
	healthy := map[string]Check{"store": func(context.Context) error { return nil }}
	h := serve(t, &stubService{}, healthy)

	rec, _ := do(t, h, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, "GET", "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())

	rec, _ = do(t, h, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "convoy_test_total")

	failing := map[string]Check{
		"store": func(context.Context) error { return nil },
		"cache": func(context.Context) error { return errors.New("connection refused") },
	}
	h = serve(t, &stubService{}, failing)
	rec, out := do(t, h, "GET", "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, map[string]any{"cache": "connection refused"}, out["failed"])
}

func TestBlobUpload(t *testing.T) {
	h := serve(t, &stubService{}, nil)

	req := httptest.NewRequest("POST", "/v1/blobs", strings.NewReader("%PDF-1.7 fake"))
	req.Header.Set("Content-Type", "application/pdf")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "blob-1", out["blob_id"])
	assert.Equal(t, "application/pdf", out["content_type"])
	assert.Equal(t, float64(13), out["size"])

	rec, _ = do(t, h, "POST", "/v1/blobs", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
