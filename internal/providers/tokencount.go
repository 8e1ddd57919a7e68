package providers

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/elidickinson/claude-code-mux/internal/wire"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
	encodingErr  error
)

// EstimateTokens approximates the input token count with a GPT-style BPE
// encoding applied to the serialized prompt. Used by adapters whose upstream
// has no count_tokens endpoint; cache tokens are always reported as zero.
func EstimateTokens(req *wire.CountTokensRequest) (*wire.CountTokensResponse, error) {
	encodingOnce.Do(func() {
		encoding, encodingErr = tiktoken.GetEncoding("cl100k_base")
	})

	var sb strings.Builder
	sb.WriteString(req.System.PlainText())
	for _, msg := range req.Messages {
		sb.WriteString("\n")
		sb.WriteString(messageText(msg))
	}
	for _, tool := range req.Tools {
		sb.WriteString("\n")
		sb.WriteString(tool.Name)
		sb.WriteString("\n")
		sb.WriteString(tool.Description)
		sb.WriteString("\n")
		sb.Write(tool.InputSchema)
	}
	text := sb.String()

	if encodingErr != nil {
		// Offline fallback mirrors the usual four-characters-per-token rule.
		return &wire.CountTokensResponse{InputTokens: len(text) / 4}, nil
	}
	return &wire.CountTokensResponse{
		InputTokens: len(encoding.Encode(text, nil, nil)),
	}, nil
}

// messageText flattens one message's countable text: plain text, tool-result
// text, thinking text, and tool-use inputs.
func messageText(msg wire.Message) string {
	if msg.Content.IsText() {
		return msg.Content.Text
	}
	var sb strings.Builder
	for _, b := range msg.Content.Blocks {
		switch b.Type {
		case wire.BlockTypeText:
			sb.WriteString(b.Text)
		case wire.BlockTypeThinking:
			sb.WriteString(b.Thinking)
		case wire.BlockTypeToolUse:
			sb.Write(b.Input)
		case wire.BlockTypeToolResult:
			if b.Content != nil {
				sb.WriteString(b.Content.PlainText())
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
