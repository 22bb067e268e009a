package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatReq struct {
	Model    string      `json:"model"`
	Messages []ollamaMsg `json:"messages"`
	Stream   bool        `json:"stream"`
}

// One NDJSON line when streaming, the whole body otherwise. The eval counts
// are only present on the final ("done") object.
type ollamaChatResp struct {
	Message         ollamaMsg `json:"message"`
	Done            bool      `json:"done"`
	PromptEvalCount int       `json:"prompt_eval_count"`
	EvalCount       int       `json:"eval_count"`
	Error           string    `json:"error,omitempty"`
}

func (r ollamaChatResp) tokens() int { return r.PromptEvalCount + r.EvalCount }

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL: baseURL,
		Model:   model,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func (p *OllamaProvider) newRequest(ctx context.Context, messages []Message, stream bool) (*http.Request, error) {
	out := make([]ollamaMsg, 0, len(messages))
	for _, m := range messages {
		out = append(out, ollamaMsg{Role: m.Role, Content: m.Content})
	}
	b, err := json.Marshal(ollamaChatReq{Model: p.Model, Stream: stream, Messages: out})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/chat", p.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (Completion, error) {
	if p.Client == nil {
		return Completion{}, errors.New("ollama: http client is nil")
	}

	req, err := p.newRequest(ctx, messages, false)
	if err != nil {
		return Completion{}, err
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Completion{}, fmt.Errorf("ollama: status %d", resp.StatusCode)
	}

	var decoded ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Completion{}, err
	}
	if decoded.Error != "" {
		return Completion{}, errors.New(decoded.Error)
	}
	return Completion{Content: decoded.Message.Content, Tokens: decoded.tokens()}, nil
}

// StreamChat streams assistant content chunks from the NDJSON endpoint.
func (p *OllamaProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan StreamResult) {
	return startStream(ctx, func(emit func(string) bool) (int, error) {
		if p.Client == nil {
			return 0, errors.New("ollama: http client is nil")
		}

		req, err := p.newRequest(ctx, messages, true)
		if err != nil {
			return 0, err
		}

		// Streaming can outlive the client timeout; ctx controls it instead.
		client := *p.Client
		client.Timeout = 0

		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return 0, fmt.Errorf("ollama: status %d", resp.StatusCode)
		}

		sc := bufio.NewScanner(resp.Body)
		// Increase scanner buffer for long JSON lines.
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}

			var decoded ollamaChatResp
			if err := json.Unmarshal(line, &decoded); err != nil {
				return 0, err
			}
			if decoded.Error != "" {
				return 0, errors.New(decoded.Error)
			}

			if decoded.Message.Content != "" {
				if !emit(decoded.Message.Content) {
					return 0, ctx.Err()
				}
			}

			if decoded.Done {
				return decoded.tokens(), nil
			}
		}

		if err := sc.Err(); err != nil {
			return 0, err
		}
		return 0, errors.New("ollama: stream ended without done")
	})
}
