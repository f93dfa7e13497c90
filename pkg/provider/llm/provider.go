// Package llm defines the Provider interface for Large Language Model
// backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4o,
// Anthropic Claude, or a local Ollama instance) and exposes a uniform
// interface for the voice pipeline to perform completions, count tokens,
// and inspect model capabilities without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream
// ends or when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/voxplane/voxplane/pkg/types"
)

// FinishReason values surfaced on the final Chunk of a stream.
const (
	// FinishStop means the model ended its turn naturally.
	FinishStop = "stop"
	// FinishLength means the MaxTokens cap was reached.
	FinishLength = "length"
	// FinishToolCalls means the model wants one or more tools invoked.
	FinishToolCalls = "tool_calls"
	// FinishError means the stream failed after it was opened. The Chunk's
	// Text carries a short error description.
	FinishError = "error"
)

// CompletionRequest carries everything the LLM needs to produce a
// response. Callers should treat a zero-value request as invalid; at
// minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []types.Message

	// Tools is the set of function/tool definitions offered to the model.
	// The model may choose to call one or more of them in its response.
	// Providers that do not support tool calling should ignore this field;
	// callers should check Capabilities().SupportsToolCalling first.
	Tools []types.ToolDefinition

	// Temperature controls output randomness in the range [0.0, 2.0].
	// A value of 0.0 typically requests greedy (argmax) decoding.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may
	// generate. Zero means use the provider default.
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history. If the provider does not natively support a
	// dedicated system prompt, implementors should prepend it as a
	// "system"-role message.
	SystemPrompt string
}

// Chunk is a single token or fragment emitted by a streaming completion.
// Consumers must handle all fields; a single chunk may carry text, a
// finish signal, tool calls, usage, or any combination thereof.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty if
	// the chunk carries only ToolCalls or a FinishReason.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped. See the Finish* constants. Empty on non-final chunks.
	FinishReason string

	// ToolCalls contains any tool invocations the model is requesting. For
	// streaming providers these are accumulated by the implementation and
	// delivered complete on the final chunk.
	ToolCalls []types.ToolCall

	// Usage carries token accounting when the provider reports it for the
	// stream, typically on the final chunk. Zero otherwise.
	Usage types.Usage
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the
	// model responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model. The
	// caller is responsible for executing them and appending the results
	// to the conversation.
	ToolCalls []types.ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage types.Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each method should propagate context cancellation promptly:
// when ctx is cancelled the method must return (or close its channel) as
// quickly as possible.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only
	// channel that emits Chunk values as they arrive. The channel is closed
	// by the implementation when generation finishes or when ctx is
	// cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened are surfaced as a Chunk with
	// FinishReason FinishError; the initial error return is non-nil only
	// for failures that prevent the stream from starting (e.g., invalid
	// credentials, malformed request).
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response. It
	// is a convenience for callers that do not need incremental output,
	// such as summarisation and post-call analysis.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens the given message list
	// would consume in the model's context window. Used to enforce history
	// budget limits before sending a request. The result need not be exact
	// but should not undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities returns static metadata describing what this provider's
	// underlying model supports. The result is assumed to be constant for
	// the lifetime of the Provider instance.
	Capabilities() types.ModelCapabilities
}
