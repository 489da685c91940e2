// Package llm talks to the text-completion service.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Roles used in a conversation.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

var ErrUnexpectedStatus = errors.New("unexpected completion status")

// Message is one role-tagged turn of the prompt.
type Message struct {
	Role string
	Text string
}

// Request asks model to continue the conversation in Messages.
type Request struct {
	Model    string
	Messages []Message
}

// Completer streams completion chunks. The sequence ends after the last
// chunk or at the first error.
type Completer interface {
	Complete(ctx context.Context, req Request) iter.Seq2[string, error]
}

// Collect concatenates every chunk of a completion.
func Collect(chunks iter.Seq2[string, error]) (string, error) {
	var b strings.Builder
	for chunk, err := range chunks {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(chunk)
	}
	return b.String(), nil
}

// First returns the first chunk of a completion and abandons the rest.
func First(chunks iter.Seq2[string, error]) (string, error) {
	for chunk, err := range chunks {
		return chunk, err
	}
	return "", nil
}

// OllamaClient is a Completer backed by an Ollama-compatible /api/chat endpoint.
type OllamaClient struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewOllamaClient creates a client for the server at endpoint
// (e.g. http://localhost:11434).
func NewOllamaClient(endpoint string, timeout time.Duration, logger *zap.Logger) *OllamaClient {
	return &OllamaClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatChunk struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error"`
}

// Complete streams the reply as newline-delimited JSON chunks.
func (c *OllamaClient) Complete(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		body, err := json.Marshal(toChatRequest(req))
		if err != nil {
			yield("", fmt.Errorf("Complete: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/chat", bytes.NewReader(body))
		if err != nil {
			yield("", fmt.Errorf("Complete: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := c.client.Do(httpReq)
		if err != nil {
			yield("", fmt.Errorf("Complete: %w", err))
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			yield("", fmt.Errorf("Complete: %w: %d %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(msg))))
			return
		}

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		chunks := 0
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk chatChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				yield("", fmt.Errorf("Complete: decode chunk: %w", err))
				return
			}
			if chunk.Error != "" {
				yield("", fmt.Errorf("Complete: %s", chunk.Error))
				return
			}
			if chunk.Message.Content != "" {
				chunks++
				if !yield(chunk.Message.Content, nil) {
					return
				}
			}
			if chunk.Done {
				break
			}
		}
		if err := sc.Err(); err != nil {
			yield("", fmt.Errorf("Complete: read stream: %w", err))
			return
		}

		c.logger.Debug("completion finished",
			zap.String("model", req.Model),
			zap.Int("chunks", chunks),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func toChatRequest(req Request) chatRequest {
	out := chatRequest{Model: req.Model, Stream: true}
	for _, m := range req.Messages {
		role := m.Role
		if role == RoleModel {
			role = "assistant"
		}
		out.Messages = append(out.Messages, chatMessage{Role: role, Content: m.Text})
	}
	return out
}
