package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
}

type openRouterMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openRouterChatReq struct {
	Model         string                   `json:"model"`
	Messages      []openRouterMsg          `json:"messages"`
	Stream        bool                     `json:"stream"`
	StreamOptions *openRouterStreamOptions `json:"stream_options,omitempty"`
}

type openRouterUsage struct {
	TotalTokens int `json:"total_tokens"`
}

type openRouterError struct {
	Message string `json:"message"`
}

type openRouterChatResp struct {
	Choices []struct {
		Message openRouterMsg `json:"message"`
	} `json:"choices"`
	Usage *openRouterUsage `json:"usage,omitempty"`
	Error *openRouterError `json:"error,omitempty"`
}

type openRouterStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *openRouterUsage `json:"usage,omitempty"`
	Error *openRouterError `json:"error,omitempty"`
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func (p *OpenRouterProvider) newRequest(ctx context.Context, messages []Message, stream bool) (*http.Request, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, errors.New("openrouter: api key is required")
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return nil, errors.New("openrouter: model is required")
	}

	reqBody := openRouterChatReq{Model: model, Stream: stream}
	if stream {
		reqBody.StreamOptions = &openRouterStreamOptions{IncludeUsage: true}
	}
	reqBody.Messages = make([]openRouterMsg, 0, len(messages))
	for _, m := range messages {
		reqBody.Messages = append(reqBody.Messages, openRouterMsg{Role: m.Role, Content: m.Content})
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	if p.SiteURL != "" {
		req.Header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		req.Header.Set("X-Title", p.AppName)
	}
	return req, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return fmt.Errorf("openrouter: %s", msg)
}

func (p *OpenRouterProvider) Chat(ctx context.Context, messages []Message) (Completion, error) {
	if p.Client == nil {
		return Completion{}, errors.New("openrouter: http client is nil")
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
		return Completion{}, statusError(resp)
	}

	var decoded openRouterChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Completion{}, err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return Completion{}, errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return Completion{}, errors.New("openrouter: empty response")
	}
	out := Completion{Content: decoded.Choices[0].Message.Content}
	if decoded.Usage != nil {
		out.Tokens = decoded.Usage.TotalTokens
	}
	return out, nil
}

// StreamChat streams assistant content chunks via SSE. Usage arrives in the
// last data event before [DONE].
func (p *OpenRouterProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan StreamResult) {
	return startStream(ctx, func(emit func(string) bool) (int, error) {
		if p.Client == nil {
			return 0, errors.New("openrouter: http client is nil")
		}
		req, err := p.newRequest(ctx, messages, true)
		if err != nil {
			return 0, err
		}

		client := *p.Client
		client.Timeout = 0

		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return 0, statusError(resp)
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		tokens := 0
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return tokens, nil
			}
			var decoded openRouterStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				return tokens, err
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				return tokens, errors.New(decoded.Error.Message)
			}
			if decoded.Usage != nil {
				tokens = decoded.Usage.TotalTokens
			}
			if len(decoded.Choices) == 0 {
				continue
			}
			if delta := decoded.Choices[0].Delta.Content; delta != "" {
				if !emit(delta) {
					return tokens, ctx.Err()
				}
			}
		}

		if err := sc.Err(); err != nil {
			return tokens, err
		}
		return tokens, errors.New("openrouter: stream ended without [DONE]")
	})
}
