package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/elidickinson/claude-code-mux/internal/apperr"
	"github.com/elidickinson/claude-code-mux/internal/auth"
	"github.com/elidickinson/claude-code-mux/internal/config"
	"github.com/elidickinson/claude-code-mux/internal/wire"
)

const (
	anthropicVersion = "2023-06-01"
	anthropicBaseURL = "https://api.anthropic.com"

	// oauthBetaHeader is required when authenticating with a Claude OAuth
	// session instead of an API key.
	oauthBetaHeader = "oauth-2025-04-20,claude-code-20250219,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"
)

// AnthropicProvider forwards requests to any upstream speaking the Anthropic
// Messages API. The body is passed through with only the model rewritten (and
// routing edits spliced in), so cache_control and unknown fields survive
// byte-identical.
type AnthropicProvider struct {
	name      string
	baseURL   string
	apiKey    string
	authMode  string
	headers   map[string]string
	native    bool
	refresher *auth.Refresher
	client    *http.Client
	logger    *slog.Logger
}

// NewAnthropicProvider builds a passthrough adapter. native marks the real
// Anthropic API, which additionally serves count_tokens upstream.
func NewAnthropicProvider(cfg config.ProviderConfig, refresher *auth.Refresher, logger *slog.Logger) *AnthropicProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	return &AnthropicProvider{
		name:      cfg.Name,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		apiKey:    cfg.APIKey,
		authMode:  cfg.AuthMode,
		headers:   cfg.ExtraHeaders,
		native:    cfg.Type == "anthropic" || strings.Contains(baseURL, "anthropic.com"),
		refresher: refresher,
		client:    newHTTPClient(),
		logger:    logger,
	}
}

func (p *AnthropicProvider) Name() string { return p.name }

func (p *AnthropicProvider) SupportsModel(string) bool { return true }

// isAnthropicSignature reports whether a thinking-block signature looks like
// Anthropic's (long base64); other providers sign with shorter formats.
func isAnthropicSignature(sig string) bool { return len(sig) > 150 }

// stripIncompatibleThinking removes signed thinking blocks the target cannot
// verify: a non-Anthropic target gets no signed blocks at all, the Anthropic
// API only its own. Messages left empty are dropped. The input is not
// modified; fallback attempts against other targets each decide afresh.
func stripIncompatibleThinking(req *wire.Request, anthropicTarget bool) (*wire.Request, bool) {
	changed := false
	messages := make([]wire.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Content.IsText() {
			messages = append(messages, msg)
			continue
		}
		kept := make([]wire.ContentBlock, 0, len(msg.Content.Blocks))
		for _, b := range msg.Content.Blocks {
			if b.Type == wire.BlockTypeThinking && b.Signature != "" {
				keep := anthropicTarget && isAnthropicSignature(b.Signature)
				if !keep {
					changed = true
					continue
				}
			}
			kept = append(kept, b)
		}
		if len(kept) == 0 {
			changed = true
			continue
		}
		msg.Content = wire.BlocksContent(kept...)
		messages = append(messages, msg)
	}
	if !changed {
		return req, false
	}
	clone := *req
	clone.Messages = messages
	return &clone, true
}

// buildBody produces the upstream body: the raw inbound JSON with the model
// rewritten, plus system/messages re-serialized when routing or thinking
// hygiene changed them.
func (p *AnthropicProvider) buildBody(req *Request) ([]byte, error) {
	mutated := req.Mutated
	outbound, stripped := stripIncompatibleThinking(req.Wire, p.native)
	if stripped {
		mutated = true
	}

	body := req.Raw
	if len(body) == 0 {
		clone := *outbound
		clone.Model = req.UpstreamModel
		return json.Marshal(&clone)
	}

	body, err := sjson.SetBytes(body, "model", req.UpstreamModel)
	if err != nil {
		return nil, fmt.Errorf("rewrite model: %w", err)
	}
	if !mutated {
		return body, nil
	}

	if outbound.System != nil {
		system, err := json.Marshal(outbound.System)
		if err != nil {
			return nil, fmt.Errorf("marshal system: %w", err)
		}
		if body, err = sjson.SetRawBytes(body, "system", system); err != nil {
			return nil, fmt.Errorf("splice system: %w", err)
		}
	}
	messages, err := json.Marshal(outbound.Messages)
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}
	if body, err = sjson.SetRawBytes(body, "messages", messages); err != nil {
		return nil, fmt.Errorf("splice messages: %w", err)
	}
	return body, nil
}

func (p *AnthropicProvider) newRequest(ctx context.Context, path string, body []byte, beta string) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Accept-Encoding", "gzip, br")

	switch p.authMode {
	case config.AuthModeOAuth:
		token, err := p.refresher.AccessToken(ctx, p.name)
		if err != nil {
			return nil, apperr.Wrap(apperr.ProviderTransient, err, "oauth token unavailable")
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
		beta = joinBeta(oauthBetaHeader, beta)
	case config.AuthModeBearer:
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	default:
		httpReq.Header.Set("x-api-key", p.apiKey)
	}
	if beta != "" {
		httpReq.Header.Set("anthropic-beta", beta)
	}
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func joinBeta(base, extra string) string {
	if extra == "" {
		return base
	}
	if base == "" {
		return extra
	}
	return base + "," + extra
}

func (p *AnthropicProvider) Send(ctx context.Context, req *Request) (*wire.Response, error) {
	body, err := p.buildBody(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, err, "build upstream body")
	}

	httpReq, err := p.newRequest(ctx, "/v1/messages", body, req.Beta)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.ProviderTransient, err, p.name+" request failed")
	}
	defer resp.Body.Close()

	respBody, err := readBody(resp)
	if err != nil {
		return nil, apperr.Wrap(apperr.ProviderTransient, err, "read upstream response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.FromUpstream(p.name, resp.StatusCode, respBody)
	}

	var parsed wire.Response
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, apperr.Wrap(apperr.ProtocolError, err, "parse upstream response")
	}
	return &parsed, nil
}

func (p *AnthropicProvider) SendStream(ctx context.Context, req *Request) (EventStream, error) {
	body, err := p.buildBody(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, err, "build upstream body")
	}
	if !gjson.GetBytes(body, "stream").Bool() {
		if body, err = sjson.SetBytes(body, "stream", true); err != nil {
			return nil, apperr.Wrap(apperr.InvalidRequest, err, "set stream flag")
		}
	}

	httpReq, err := p.newRequest(ctx, "/v1/messages", body, req.Beta)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.ProviderTransient, err, p.name+" request failed")
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := readBody(resp)
		resp.Body.Close()
		return nil, apperr.FromUpstream(p.name, resp.StatusCode, respBody)
	}

	reader, err := decompressReader(resp)
	if err != nil {
		resp.Body.Close()
		return nil, apperr.Wrap(apperr.ProviderTransient, err, "decompress upstream stream")
	}
	return &passthroughStream{reader: reader}, nil
}

// passthroughStream copies the upstream SSE bytes without reframing.
type passthroughStream struct {
	reader io.ReadCloser
	buf    [16 * 1024]byte
}

func (s *passthroughStream) Next() ([]byte, error) {
	n, err := s.reader.Read(s.buf[:])
	if n > 0 {
		out := make([]byte, n)
		copy(out, s.buf[:n])
		return out, nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

func (s *passthroughStream) Close() error { return s.reader.Close() }

// CountTokens asks the upstream endpoint when this is the real Anthropic API
// and falls back to the local estimate for compatible providers.
func (p *AnthropicProvider) CountTokens(ctx context.Context, req *wire.CountTokensRequest) (*wire.CountTokensResponse, error) {
	if !p.native {
		return EstimateTokens(req)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, err, "marshal count_tokens request")
	}
	httpReq, err := p.newRequest(ctx, "/v1/messages/count_tokens", body, "")
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.ProviderTransient, err, p.name+" count_tokens failed")
	}
	defer resp.Body.Close()

	respBody, err := readBody(resp)
	if err != nil {
		return nil, apperr.Wrap(apperr.ProviderTransient, err, "read count_tokens response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.FromUpstream(p.name, resp.StatusCode, respBody)
	}

	var parsed wire.CountTokensResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, apperr.Wrap(apperr.ProtocolError, err, "parse count_tokens response")
	}
	return &parsed, nil
}
