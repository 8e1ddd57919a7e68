// Package apperr defines the proxy's error taxonomy and its mapping onto the
// Anthropic error envelope. The dispatcher uses the Kind to decide whether a
// failure absorbs into provider fallback or short-circuits to the client.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/elidickinson/claude-code-mux/internal/wire"
)

// Kind classifies a failure.
type Kind int

const (
	// InvalidRequest is a malformed body or schema violation.
	InvalidRequest Kind = iota
	// NoRouteConfigured means the router slot for the matched category is unset.
	NoRouteConfigured
	// UnknownModel means no [[models]] entry exists for the logical model.
	UnknownModel
	// NoProvidersForModel means the mapping exists but has no entries.
	NoProvidersForModel
	// ProviderNotAvailable means the adapter is not in the registry.
	ProviderNotAvailable
	// ProviderTransient is a network failure, timeout or upstream 5xx.
	ProviderTransient
	// ProviderRejected is a non-retryable upstream 4xx.
	ProviderRejected
	// AllProvidersFailed is terminal after exhausting every mapping.
	AllProvidersFailed
	// ProtocolError means the upstream stream could not be parsed.
	ProtocolError
)

func (k Kind) String() string {
	switch k {
	case InvalidRequest:
		return "invalid_request"
	case NoRouteConfigured:
		return "no_route_configured"
	case UnknownModel:
		return "unknown_model"
	case NoProvidersForModel:
		return "no_providers_for_model"
	case ProviderNotAvailable:
		return "provider_not_available"
	case ProviderTransient:
		return "provider_transient"
	case ProviderRejected:
		return "provider_rejected"
	case AllProvidersFailed:
		return "all_providers_failed"
	case ProtocolError:
		return "protocol_error"
	}
	return "unknown"
}

// Error carries a Kind, an optional upstream status code and the upstream body
// when one was captured.
type Error struct {
	Kind     Kind
	Status   int
	Message  string
	Upstream []byte
	wrapped  error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, wrapped: err}
}

// FromUpstream classifies an upstream HTTP failure: 5xx and 429 are
// retryable against the next mapping, other 4xx are not.
func FromUpstream(provider string, status int, body []byte) *Error {
	kind := ProviderRejected
	if status >= 500 || status == http.StatusTooManyRequests {
		kind = ProviderTransient
	}
	return &Error{
		Kind:     kind,
		Status:   status,
		Message:  fmt.Sprintf("%s returned %d", provider, status),
		Upstream: body,
	}
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Retryable reports whether the dispatcher may advance to the next mapping.
func (e *Error) Retryable() bool {
	return e.Kind == ProviderTransient || e.Kind == ProviderNotAvailable
}

// KindOf extracts the Kind from any error, defaulting to ProviderTransient so
// plain network errors participate in fallback.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ProviderTransient
}

// HTTPStatus maps a kind to the status the proxy answers with.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case InvalidRequest, NoRouteConfigured:
		return http.StatusBadRequest
	case UnknownModel, NoProvidersForModel:
		return http.StatusNotFound
	case ProviderRejected:
		if e.Status >= 400 && e.Status < 600 {
			return e.Status
		}
		return http.StatusBadRequest
	case AllProvidersFailed, ProviderTransient, ProviderNotAvailable, ProtocolError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// AnthropicType maps a kind (and upstream status for rejections) to the error
// type names the pinned client understands.
func (e *Error) AnthropicType() string {
	switch e.Kind {
	case InvalidRequest, NoRouteConfigured:
		return "invalid_request_error"
	case UnknownModel, NoProvidersForModel:
		return "not_found_error"
	case ProviderRejected:
		switch e.Status {
		case http.StatusUnauthorized:
			return "authentication_error"
		case http.StatusForbidden:
			return "permission_error"
		case http.StatusNotFound:
			return "not_found_error"
		case http.StatusTooManyRequests:
			return "rate_limit_error"
		case http.StatusBadRequest:
			return "invalid_request_error"
		}
		return "api_error"
	}
	return "api_error"
}

// WriteJSON answers the client with the Anthropic error envelope. When an
// upstream body was captured and already is an Anthropic error envelope, it
// is forwarded untouched so the client sees the provider's own message.
func WriteJSON(w http.ResponseWriter, err error) {
	ae := asError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.HTTPStatus())

	if len(ae.Upstream) > 0 {
		var probe wire.ErrorBody
		if json.Unmarshal(ae.Upstream, &probe) == nil && probe.Error.Type != "" {
			_, _ = w.Write(ae.Upstream)
			return
		}
	}

	msg := ae.Message
	if len(ae.Upstream) > 0 {
		msg = fmt.Sprintf("%s: %s", ae.Message, ae.Upstream)
	}
	_ = json.NewEncoder(w).Encode(wire.ErrorBody{
		Type:  "error",
		Error: wire.ErrorDetail{Type: ae.AnthropicType(), Message: msg},
	})
}

func asError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Kind: ProviderTransient, Message: err.Error()}
}
