package integration

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Edwinexd/vival/internal/config"
)

func newTestVoiceClient(url string) VoiceClient {
	return NewVoiceClient(config.VoiceConfig{
		BaseURL:    url,
		APIKey:     "key",
		AgentID:    "agent-1",
		Timeout:    time.Second,
		RetryCount: 2,
		RetryDelay: time.Millisecond,
	}, zerolog.Nop())
}

func TestGetConversationRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "key" {
			t.Errorf("missing api key header")
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"conversation_id":"c1","status":"done","transcript":[{"role":"agent","message":"hi","time_in_call_secs":0}],"metadata":{"call_duration_secs":412}}`))
	}))
	defer srv.Close()

	conv, err := newTestVoiceClient(srv.URL).GetConversation(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if !conv.Done() || conv.Metadata.CallDurationSecs != 412 || len(conv.Transcript) != 1 {
		t.Fatalf("unexpected conversation %+v", conv)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestGetConversationNotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestVoiceClient(srv.URL).GetConversation(context.Background(), "missing")
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("err = %v, want ErrConversationNotFound", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestGetSignedURLAndAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/convai/conversation/get-signed-url":
			if r.URL.Query().Get("agent_id") != "agent-1" {
				t.Errorf("agent_id = %q", r.URL.Query().Get("agent_id"))
			}
			w.Write([]byte(`{"signed_url":"wss://voice.example/ws?token=abc"}`))
		case "/v1/convai/conversations/c1/audio":
			w.Header().Set("Content-Type", "audio/mpeg")
			w.Write([]byte("ID3audio"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := newTestVoiceClient(srv.URL)
	signed, err := client.GetSignedURL(context.Background())
	if err != nil || signed != "wss://voice.example/ws?token=abc" {
		t.Fatalf("GetSignedURL = %q, %v", signed, err)
	}

	body, _, err := client.GetAudio(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetAudio: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "ID3audio" {
		t.Fatalf("audio = %q", data)
	}
}
