package apperr

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elidickinson/claude-code-mux/internal/wire"
)

func TestFromUpstream_Classification(t *testing.T) {
	tests := []struct {
		status   int
		wantKind Kind
	}{
		{500, ProviderTransient},
		{503, ProviderTransient},
		{429, ProviderTransient},
		{400, ProviderRejected},
		{401, ProviderRejected},
		{403, ProviderRejected},
		{404, ProviderRejected},
	}
	for _, tt := range tests {
		err := FromUpstream("p", tt.status, nil)
		assert.Equal(t, tt.wantKind, err.Kind, "status %d", tt.status)
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, New(ProviderTransient, "x").Retryable())
	assert.True(t, New(ProviderNotAvailable, "x").Retryable())
	assert.False(t, New(ProviderRejected, "x").Retryable())
	assert.False(t, New(InvalidRequest, "x").Retryable())
}

func TestAnthropicType_RejectedStatuses(t *testing.T) {
	tests := map[int]string{
		401: "authentication_error",
		403: "permission_error",
		404: "not_found_error",
		429: "rate_limit_error",
		400: "invalid_request_error",
		422: "api_error",
	}
	for status, want := range tests {
		err := &Error{Kind: ProviderRejected, Status: status}
		assert.Equal(t, want, err.AnthropicType(), "status %d", status)
	}
}

func TestWriteJSON_Envelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, New(InvalidRequest, "bad body"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body wire.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body.Type)
	assert.Equal(t, "invalid_request_error", body.Error.Type)
	assert.Equal(t, "bad body", body.Error.Message)
}

func TestWriteJSON_ForwardsUpstreamEnvelope(t *testing.T) {
	upstream := []byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	rec := httptest.NewRecorder()
	WriteJSON(rec, FromUpstream("p", 429, upstream))

	assert.Equal(t, http.StatusBadGateway, rec.Code, "429 is transient so the proxy answers 502 when it surfaces")
	assert.JSONEq(t, string(upstream), rec.Body.String())
}

func TestWriteJSON_PlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, fmt.Errorf("plain failure"))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var body wire.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "api_error", body.Error.Type)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, UnknownModel, KindOf(New(UnknownModel, "x")))
	assert.Equal(t, UnknownModel, KindOf(fmt.Errorf("wrapped: %w", New(UnknownModel, "x"))))
	assert.Equal(t, ProviderTransient, KindOf(fmt.Errorf("plain")))
}
