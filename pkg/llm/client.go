package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client streams completions from an OpenAI-compatible HTTP SSE endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a provider client. streamTimeout bounds the whole
// completion; firstToken bounds the wait for the response headers, which
// the provider sends with the first streamed token. Individual token gaps
// are bounded by the caller's context.
func NewClient(baseURL, apiKey string, streamTimeout, firstToken time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: streamTimeout,
			Transport: &http.Transport{
				ResponseHeaderTimeout: firstToken,
			},
		},
	}
}

type wireRequest struct {
	Model         string    `json:"model"`
	Messages      []Message `json:"messages"`
	Stream        bool      `json:"stream"`
	StreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
}

type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        int64 `json:"prompt_tokens"`
		CompletionTokens    int64 `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int64 `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream implements Streamer.
func (c *Client) Stream(ctx context.Context, req *Request) (Stream, error) {
	body := wireRequest{Model: req.Model, Messages: req.Messages, Stream: true}
	body.StreamOptions.IncludeUsage = true
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusBadRequest && bytes.Contains(slurp, []byte("context_length")) {
			return nil, ErrContextLength
		}
		return nil, fmt.Errorf("llm: provider returned %d: %s", resp.StatusCode, slurp)
	}

	return &sseStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	text    strings.Builder
	usage   *Usage
	done    bool
}

func (s *sseStream) Recv(ctx context.Context) (string, bool, *Result, error) {
	if s.done {
		return "", true, s.result(), nil
	}
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return "", false, nil, err
		}
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			s.done = true
			return "", true, s.result(), nil
		}

		var chunk wireChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return "", false, nil, fmt.Errorf("llm: malformed stream chunk: %w", err)
		}
		if chunk.Error != nil {
			if chunk.Error.Code == "context_length_exceeded" {
				return "", false, nil, ErrContextLength
			}
			return "", false, nil, fmt.Errorf("llm: provider error: %s", chunk.Error.Message)
		}
		if chunk.Usage != nil {
			s.usage = &Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				CachedTokens: chunk.Usage.PromptTokensDetails.CachedTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta != "" {
			s.text.WriteString(delta)
			return delta, false, nil, nil
		}
		if chunk.Choices[0].FinishReason != nil {
			// Usage often arrives in a trailing chunk; keep reading until
			// [DONE] so it is not lost.
			continue
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", false, nil, err
	}
	s.done = true
	return "", true, s.result(), nil
}

func (s *sseStream) result() *Result {
	return &Result{Text: s.text.String(), Usage: s.usage, Provider: "openai"}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
