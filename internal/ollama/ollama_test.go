// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jeranaias/rigrun-stage/internal/model"
	"github.com/jeranaias/rigrun-stage/internal/pipeline"
	"github.com/jeranaias/rigrun-stage/internal/session"
)

// =============================================================================
// FIXTURES
// =============================================================================

const chatStream = `{"model":"m","message":{"role":"assistant","content":"Hel"},"done":false}
{"model":"m","message":{"role":"assistant","content":"lo"},"done":false}
not json
{"model":"m","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"wave","arguments":{"hand":"left"}}}]},"done":false}
{"model":"m","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","eval_count":2,"eval_duration":1000000000}
`

// chatServer serves body for /api/chat and records the decoded request.
func chatServer(t *testing.T, status int, body string, got *ChatRequest, header *http.Header) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Write([]byte("Ollama is running"))
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"m:latest","size":42}]}`))
		case "/api/chat":
			if got != nil {
				if err := json.NewDecoder(r.Body).Decode(got); err != nil {
					t.Errorf("decode request: %v", err)
				}
			}
			if header != nil {
				*header = r.Header.Clone()
			}
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(status)
			w.Write([]byte(body))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestPipeline(s pipeline.Streamer) *pipeline.Pipeline {
	return pipeline.New(pipeline.Config{
		Store:    session.NewStore(session.Options{SystemPrompt: "sys"}),
		Streamer: s,
	})
}

// =============================================================================
// CLIENT TESTS
// =============================================================================

func TestClient_CheckRunningAndList(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "", nil, nil)
	c := NewClient(ClientConfig{BaseURL: srv.URL + "/"})

	if err := c.CheckRunning(context.Background()); err != nil {
		t.Fatalf("CheckRunning failed: %v", err)
	}
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(models) != 1 || models[0].Name != "m:latest" {
		t.Errorf("models = %+v", models)
	}
}

func TestClient_NotRunning(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewClient(ClientConfig{BaseURL: url}).CheckRunning(context.Background())
	if !IsNotRunning(err) {
		t.Errorf("err = %v, want not running", err)
	}
}

func TestClient_Embed(t *testing.T) {
	var got EmbedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if got.Model == "missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"model":"e","embeddings":[[0.5,-0.25,1]]}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, DefaultModel: "e"})
	vec, err := c.Embed(context.Background(), "", "hello")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if got.Model != "e" || got.Input != "hello" {
		t.Errorf("request = %+v", got)
	}
	if len(vec) != 3 || vec[0] != 0.5 || vec[1] != -0.25 {
		t.Errorf("embedding = %v", vec)
	}

	if _, err := c.Embed(context.Background(), "missing", "x"); !IsModelNotFound(err) {
		t.Errorf("err = %v, want model not found", err)
	}
}

func TestClient_ChatStreamChunks(t *testing.T) {
	var req ChatRequest
	var hdr http.Header
	srv := chatServer(t, http.StatusOK, chatStream, &req, &hdr)
	c := NewClient(ClientConfig{BaseURL: srv.URL, DefaultModel: "fallback"})

	var content strings.Builder
	stats := NewStreamStats()
	var last StreamChunk
	err := c.ChatStream(context.Background(), ChatRequest{}, map[string]string{"X-Trace": "1"}, func(ch StreamChunk) error {
		content.WriteString(ch.Content)
		stats.Observe(ch)
		last = ch
		return nil
	})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}

	if req.Model != "fallback" || !req.Stream {
		t.Errorf("request = %+v, want default model and stream", req)
	}
	if hdr.Get("X-Trace") != "1" {
		t.Error("custom header not forwarded")
	}
	if content.String() != "Hello" {
		t.Errorf("content = %q, want Hello", content.String())
	}
	if !last.Done || last.DoneReason != "stop" || last.CompletionTokens != 2 {
		t.Errorf("final chunk = %+v", last)
	}
	if stats.TokensPerSecond != 2 {
		t.Errorf("TokensPerSecond = %v, want 2", stats.TokensPerSecond)
	}
	if !strings.Contains(stats.Format(), "2 tokens") {
		t.Errorf("Format() = %q", stats.Format())
	}
}

func TestClient_ChatStreamErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"model not found", http.StatusNotFound, "", IsModelNotFound},
		{"error body", http.StatusBadRequest, `{"error":"bad things"}`, func(err error) bool {
			return err != nil && err.Error() == "bad things"
		}},
		{"in-stream error", http.StatusOK, `{"error":"gpu on fire"}` + "\n", func(err error) bool {
			return err != nil && strings.Contains(err.Error(), "gpu on fire")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := chatServer(t, tt.status, tt.body, nil, nil)
			err := NewClient(ClientConfig{BaseURL: srv.URL}).ChatStream(context.Background(), ChatRequest{}, nil, func(StreamChunk) error { return nil })
			if !tt.check(err) {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestClient_CallbackAbortsStream(t *testing.T) {
	srv := chatServer(t, http.StatusOK, chatStream, nil, nil)
	stop := errors.New("stop")

	calls := 0
	err := NewClient(ClientConfig{BaseURL: srv.URL}).ChatStream(context.Background(), ChatRequest{}, nil, func(StreamChunk) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("err = %v, want stop", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestClient_StreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, StreamTimeout: 50 * time.Millisecond})
	err := c.ChatStream(context.Background(), ChatRequest{}, nil, func(StreamChunk) error { return nil })
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

// =============================================================================
// STREAMER TESTS
// =============================================================================

func TestStreamer_Deltas(t *testing.T) {
	var req ChatRequest
	srv := chatServer(t, http.StatusOK, chatStream, &req, nil)
	s := NewStreamer(NewClient(ClientConfig{BaseURL: srv.URL}), &Options{Temperature: 0.5})

	var deltas []pipeline.Delta
	err := s.Stream(context.Background(), pipeline.Request{
		Model: "m",
		Messages: []model.ChatEntry{
			model.NewSystemEntry("default", "sys"),
			{Role: model.RoleUser, Content: model.PartsContent(model.TextPart("look"), model.ImagePart("image/png", "AAAA"))},
			{Role: model.RoleError, Content: model.TextContent("boom")},
		},
		Tools: []pipeline.Tool{{Name: "wave", Description: "Wave a hand"}},
	}, func(d pipeline.Delta) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	if len(req.Messages) != 2 {
		t.Fatalf("messages = %+v, want system and user", req.Messages)
	}
	if req.Messages[1].Content != "look" || len(req.Messages[1].Images) != 1 || req.Messages[1].Images[0] != "AAAA" {
		t.Errorf("user message = %+v", req.Messages[1])
	}
	if len(req.Tools) != 1 || req.Tools[0].Type != "function" || req.Tools[0].Function.Parameters["type"] != "object" {
		t.Errorf("tools = %+v", req.Tools)
	}
	if req.Options == nil || req.Options.Temperature != 0.5 {
		t.Errorf("options = %+v", req.Options)
	}

	want := []pipeline.DeltaType{
		pipeline.DeltaTextDelta,
		pipeline.DeltaTextDelta,
		pipeline.DeltaToolCall,
		pipeline.DeltaFinish,
	}
	if len(deltas) != len(want) {
		t.Fatalf("deltas = %+v", deltas)
	}
	for i, d := range deltas {
		if d.Type != want[i] {
			t.Errorf("delta[%d] = %s, want %s", i, d.Type, want[i])
		}
	}
	call := deltas[2].ToolCall
	if call.ToolName != "wave" || call.Args != `{"hand":"left"}` || call.ToolCallID == "" {
		t.Errorf("tool call = %+v", call)
	}
	if deltas[3].FinishReason != "stop" {
		t.Errorf("finish reason = %q", deltas[3].FinishReason)
	}

	stats := s.LastStats()
	if stats == nil || stats.CompletionTokens != 2 {
		t.Errorf("LastStats = %+v, want 2 completion tokens", stats)
	}
}

func TestStreamer_DrivesPipeline(t *testing.T) {
	srv := chatServer(t, http.StatusOK, chatStream, nil, nil)

	p := newTestPipeline(NewStreamer(NewClient(ClientConfig{BaseURL: srv.URL}), nil))
	if err := p.Send(context.Background(), "hi", pipeline.SendOptions{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msgs := p.Store().Messages()
	last := msgs[len(msgs)-1]
	if last.Role != model.RoleAssistant || last.Content.String() != "Hello" {
		t.Errorf("assistant entry = %+v", last)
	}
}

func TestToMessages_ToolResults(t *testing.T) {
	msgs := ToMessages([]model.ChatEntry{{
		Role:        model.RoleAssistant,
		Content:     model.TextContent("done"),
		ToolResults: []model.ToolResult{{ID: "1", Result: map[string]any{"ok": true}}},
	}})
	if len(msgs) != 2 || msgs[1].Role != "tool" || msgs[1].Content != `{"ok":true}` {
		t.Errorf("msgs = %+v", msgs)
	}
}
