package audio

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
)

func TestSpeechPostsPayload(t *testing.T) {
	var got SpeechRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/speech" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3"))
	}))
	defer srv.Close()

	client, err := NewClient(Options{BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	clip, err := client.Speech(context.Background(), SpeechRequest{Text: "Ready for takeoff!", Voice: "jett", Emotion: "excited"})
	if err != nil {
		t.Fatalf("Speech error: %v", err)
	}
	if string(clip.Data) != "ID3" || clip.MIME != "audio/mpeg" {
		t.Fatalf("unexpected clip %+v", clip)
	}
	if got.Text != "Ready for takeoff!" || got.Voice != "jett" || got.Emotion != "excited" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestEffectDefaultsMIME(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sfx" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("RIFF"))
	}))
	defer srv.Close()

	client, _ := NewClient(Options{BaseURL: srv.URL})
	clip, err := client.Effect(context.Background(), EffectRequest{Description: "jet engine roar", DurationSeconds: 2})
	if err != nil {
		t.Fatalf("Effect error: %v", err)
	}
	if clip.MIME != "audio/wav" {
		t.Fatalf("mime = %q, want audio/wav", clip.MIME)
	}
}

func TestStatusErrorsMapToSentinels(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, domain.ErrValidation},
		{http.StatusBadGateway, domain.ErrUnreachableService},
		{http.StatusConflict, domain.ErrRemoteExecution},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))
		client, _ := NewClient(Options{BaseURL: srv.URL})
		_, err := client.Speech(context.Background(), SpeechRequest{Text: "hi"})
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: err = %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestDisabledClient(t *testing.T) {
	client, err := NewClient(Options{})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if client.Enabled() {
		t.Fatalf("client without url should be disabled")
	}
	if _, err := client.Speech(context.Background(), SpeechRequest{Text: "hi"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestEmptyTextRejected(t *testing.T) {
	client, _ := NewClient(Options{BaseURL: "http://127.0.0.1:1"})
	if _, err := client.Speech(context.Background(), SpeechRequest{Text: "  "}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}
