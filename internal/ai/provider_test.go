package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(chunks <-chan string, results <-chan StreamResult) ([]string, StreamResult) {
	var got []string
	for c := range chunks {
		got = append(got, c)
	}
	return got, <-results
}

func TestOllama_StreamChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatReq
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.Equal(t, "llama3:latest", req.Model)
		assert.Len(t, req.Messages, 1)

		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hi"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":" there"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"!"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":5,"eval_count":7}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "")
	got, res := collect(p.StreamChat(context.Background(), []Message{{Role: "user", Content: "Hello"}}))

	require.NoError(t, res.Err)
	assert.Equal(t, []string{"Hi", " there", "!"}, got)
	assert.Equal(t, 12, res.Tokens)
}

func TestOllama_StreamChat_ErrorMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Partial"},"done":false}`)
		fmt.Fprintln(w, `{"error":"model crashed"}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "m")
	got, res := collect(p.StreamChat(context.Background(), nil))

	assert.Equal(t, []string{"Partial"}, got)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "model crashed")
}

func TestOllama_StreamChat_TruncatedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"cut"},"done":false}`)
	}))
	defer srv.Close()

	_, res := collect(NewOllamaProvider(srv.URL, "m").StreamChat(context.Background(), nil))
	require.Error(t, res.Err)
}

func TestOllama_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"ok"},"done":true,"prompt_eval_count":3,"eval_count":4}`)
	}))
	defer srv.Close()

	out, err := NewOllamaProvider(srv.URL, "m").Chat(context.Background(), []Message{{Role: "user", Content: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Content)
	assert.Equal(t, 7, out.Tokens)
}

func TestOllama_Chat_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL, "m").Chat(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestOpenRouter_StreamChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Equal(t, "my-app", r.Header.Get("X-Title"))

		var req openRouterChatReq
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if assert.NotNil(t, req.StreamOptions) {
			assert.True(t, req.StreamOptions.IncludeUsage)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"Hi"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":" there"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[],"usage":{"total_tokens":12}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL+"/", "key", "some/model", "", "my-app")
	got, res := collect(p.StreamChat(context.Background(), []Message{{Role: "user", Content: "Hello"}}))

	require.NoError(t, res.Err)
	assert.Equal(t, "Hi there", strings.Join(got, ""))
	assert.Equal(t, 12, res.Tokens)
}

func TestOpenRouter_RequiresKey(t *testing.T) {
	p := NewOpenRouterProvider("http://unused", "", "m", "", "")

	_, err := p.Chat(context.Background(), nil)
	require.Error(t, err)

	got, res := collect(p.StreamChat(context.Background(), nil))
	assert.Empty(t, got)
	require.Error(t, res.Err)
}

func TestOpenRouter_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"done"}}],"usage":{"total_tokens":9}}`)
	}))
	defer srv.Close()

	out, err := NewOpenRouterProvider(srv.URL, "key", "m", "", "").Chat(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Completion{Content: "done", Tokens: 9}, out)
}

func TestStartStream_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	chunks, results := startStream(ctx, func(emit func(string) bool) (int, error) {
		for i := 0; ; i++ {
			if !emit("x") {
				return i, nil
			}
		}
	})

	<-chunks
	cancel()
	for range chunks {
	}
	res := <-results
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestRegistry(t *testing.T) {
	reg := NewDefaultRegistry(Defaults{OllamaBaseURL: "http://ollama", OllamaModel: "llama3:latest"})
	assert.True(t, reg.Has(" Ollama "))
	assert.False(t, reg.Has("openrouter"))
	assert.Equal(t, []string{"ollama"}, reg.Names())

	p, err := reg.Get(context.Background(), "OLLAMA", "")
	require.NoError(t, err)
	op, ok := p.(*OllamaProvider)
	require.True(t, ok)
	assert.Equal(t, "llama3:latest", op.Model)
	_, isStream := p.(StreamProvider)
	assert.True(t, isStream)

	_, err = reg.Get(context.Background(), "nope", "")
	require.ErrorIs(t, err, ErrUnknownProvider)

	reg = NewDefaultRegistry(Defaults{OpenRouterAPIKey: "k", OpenRouterModel: "openrouter/auto"})
	p, err = reg.Get(context.Background(), "openrouter", "")
	require.NoError(t, err)
	assert.Equal(t, "openrouter/auto", p.(*OpenRouterProvider).Model)
}
