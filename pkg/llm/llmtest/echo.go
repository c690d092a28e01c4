// Package llmtest provides an in-process Streamer for dev mode and tests.
package llmtest

import (
	"context"
	"strings"
	"time"

	"github.com/veilchat/veilchat/pkg/llm"
)

// Echo streams back the last user message word by word. Delay, when
// non-zero, is inserted between chunks to exercise batching paths.
type Echo struct {
	Delay time.Duration
	// Fail, when non-nil, is returned from the first Recv instead of tokens.
	Fail error
}

func (e *Echo) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	reply := "Echo: " + last
	return &echoStream{words: strings.SplitAfter(reply, " "), delay: e.Delay, fail: e.Fail, prompt: req.Messages}, nil
}

type echoStream struct {
	words  []string
	delay  time.Duration
	fail   error
	prompt []llm.Message
	pos    int
	text   strings.Builder
}

func (s *echoStream) Recv(ctx context.Context) (string, bool, *llm.Result, error) {
	if s.fail != nil {
		return "", false, nil, s.fail
	}
	if s.pos >= len(s.words) {
		var in int64
		for _, m := range s.prompt {
			in += int64(len(m.Content)) / 4
		}
		out := int64(s.text.Len()) / 4
		if out == 0 {
			out = 1
		}
		return "", true, &llm.Result{
			Text:     s.text.String(),
			Usage:    &llm.Usage{InputTokens: in, OutputTokens: out},
			Provider: "echo",
		}, nil
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", false, nil, ctx.Err()
		}
	}
	w := s.words[s.pos]
	s.pos++
	s.text.WriteString(w)
	return w, false, nil, nil
}

func (s *echoStream) Close() error { return nil }
