// Package llm models the LLM provider as an opaque streaming token source
// with billing metadata. The core only ever sees the Streamer interface;
// the HTTP SSE client and the echo mock both implement it.
package llm

import (
	"context"
	"errors"
)

// Usage is the authoritative billing metadata a provider reports for one
// completion. CachedTokens counts prompt tokens served from the provider's
// cache at a reduced rate.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CachedTokens int64
}

// Message is one turn of inference context sent to the provider, in
// plaintext (the accepted E2EE exception: the provider must read the
// conversation to continue it).
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request describes one completion stream.
type Request struct {
	Model    string
	Messages []Message
}

// ErrContextLength is returned when the provider rejects the request
// because the inference context exceeds the model's window. Recoverable by
// the user (trim context).
var ErrContextLength = errors.New("llm: context length exceeded")

// Stream is a live token stream. Recv blocks until the next token batch,
// io-style: it returns the final Result with done=true exactly once, after
// which the stream is exhausted.
type Stream interface {
	// Recv returns the next token chunk. When the stream completes it
	// returns done=true with the final Result; any subsequent call is
	// undefined. A non-nil error aborts the stream (nothing is billed).
	Recv(ctx context.Context) (chunk string, done bool, result *Result, err error)
	// Close releases the stream's resources. Safe to call multiple times.
	Close() error
}

// Result is the terminal state of a successful stream.
type Result struct {
	Text     string
	Usage    *Usage // nil when the provider reported no usage data
	Provider string
}

// Streamer opens completion streams. Implementations: Client (HTTP SSE) and
// the test echo streamer in llmtest.
type Streamer interface {
	Stream(ctx context.Context, req *Request) (Stream, error)
}
