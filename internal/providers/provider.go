// Package providers contains the upstream adapters: one per provider family,
// each translating between the Anthropic Messages wire format and the
// upstream's native format, plus the registry that owns live adapter
// instances for a configuration snapshot.
package providers

import (
	"context"

	"github.com/elidickinson/claude-code-mux/internal/wire"
)

// Request is what the dispatcher hands an adapter: the typed request after
// routing, the raw inbound body for passthrough fidelity, and the resolved
// upstream model name.
type Request struct {
	Wire *wire.Request
	// Raw is the original request body. Passthrough adapters forward it
	// (with the model rewritten) so unknown fields and cache_control reach
	// the upstream byte-identical.
	Raw []byte
	// UpstreamModel replaces the model field on the wire.
	UpstreamModel string
	// Mutated is set when routing edited system or messages; passthrough
	// adapters must then splice those fields back into Raw.
	Mutated bool
	// Beta carries the inbound anthropic-beta header, if any.
	Beta string
}

// EventStream is a finite sequence of SSE-framed byte chunks ending with
// io.EOF. It is restartable only from scratch: once Next has returned data
// the stream cannot be retried against another provider.
type EventStream interface {
	// Next returns the next chunk of SSE bytes to forward to the client.
	Next() ([]byte, error)
	Close() error
}

// Provider is the adapter capability set.
type Provider interface {
	Name() string
	// Send executes a non-streaming request.
	Send(ctx context.Context, req *Request) (*wire.Response, error)
	// SendStream executes a streaming request. Errors detected before any
	// event is produced surface from this call or from the first Next.
	SendStream(ctx context.Context, req *Request) (EventStream, error)
	// CountTokens returns an exact or estimated input token count.
	CountTokens(ctx context.Context, req *wire.CountTokensRequest) (*wire.CountTokensResponse, error)
	// SupportsModel is advisory; the dispatcher trusts the model mapping.
	SupportsModel(model string) bool
}

// StreamState tracks one streaming translation in progress. It is an explicit
// struct so translators can be driven chunk-by-chunk in tests.
type StreamState struct {
	MessageStartSent bool
	MessageID        string
	Model            string

	// Blocks is keyed by emitted Anthropic block index.
	Blocks map[int]*BlockState
	// toolBlocks maps an upstream tool-call index to its Anthropic block
	// index.
	toolBlocks map[int]int
	nextIndex  int

	FinishSent bool
}

// BlockState is the per-content-block streaming state.
type BlockState struct {
	Type      string
	StartSent bool
	StopSent  bool

	ToolCallID string
	ToolName   string
	// Arguments accumulates the tool-call JSON emitted so far, used to
	// derive deltas from providers that resend the full string.
	Arguments string
}

func NewStreamState() *StreamState {
	return &StreamState{
		Blocks:     make(map[int]*BlockState),
		toolBlocks: make(map[int]int),
	}
}

// block returns the state for index, creating it with the given type.
func (s *StreamState) block(index int, blockType string) *BlockState {
	b, ok := s.Blocks[index]
	if !ok {
		b = &BlockState{Type: blockType}
		s.Blocks[index] = b
	}
	return b
}

// textBlockIndex returns the index of the open text block, allocating one if
// none exists yet.
func (s *StreamState) textBlockIndex() int {
	for idx, b := range s.Blocks {
		if b.Type == wire.BlockTypeText && !b.StopSent {
			return idx
		}
	}
	idx := s.nextIndex
	s.nextIndex++
	s.block(idx, wire.BlockTypeText)
	return idx
}

// toolBlockIndex returns the Anthropic block index for an upstream tool-call
// index, allocating the next free index on first sight.
func (s *StreamState) toolBlockIndex(upstreamIndex int) int {
	if idx, ok := s.toolBlocks[upstreamIndex]; ok {
		return idx
	}
	idx := s.nextIndex
	s.nextIndex++
	s.toolBlocks[upstreamIndex] = idx
	s.block(idx, wire.BlockTypeToolUse)
	return idx
}

// openIndexes returns the block indexes with a start but no stop, in order.
func (s *StreamState) openIndexes() []int {
	var idxs []int
	for i := 0; i < s.nextIndex; i++ {
		if b, ok := s.Blocks[i]; ok && b.StartSent && !b.StopSent {
			idxs = append(idxs, i)
		}
	}
	return idxs
}
