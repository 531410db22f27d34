package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/infra"
)

// ErrNotConfigured indicates the client was built without a service URL.
var ErrNotConfigured = errors.New("audio: service url is not configured")

// Options configures the audio service client.
type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client calls the speech and sound-effect endpoints of the audio service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

// SpeechRequest asks for one spoken line.
type SpeechRequest struct {
	Text    string `json:"text"`
	Voice   string `json:"voice,omitempty"`
	Emotion string `json:"emotion,omitempty"`
}

// EffectRequest asks for one sound effect.
type EffectRequest struct {
	Description     string  `json:"description"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Clip is raw audio returned by the service.
type Clip struct {
	Data []byte
	MIME string
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("audio: invalid service url %q", opts.BaseURL)
		}
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, logger: logger}, nil
}

// Enabled reports whether the client can perform remote calls.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// Speech synthesizes one voice line.
func (c *Client) Speech(ctx context.Context, req SpeechRequest) (*Clip, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, domain.Validationf("speech text is required")
	}
	return c.post(ctx, "/speech", req)
}

// Effect renders one sound effect.
func (c *Client) Effect(ctx context.Context, req EffectRequest) (*Clip, error) {
	if strings.TrimSpace(req.Description) == "" {
		return nil, domain.Validationf("sound effect description is required")
	}
	if req.DurationSeconds < 0 {
		return nil, domain.Validationf("sound effect duration must not be negative")
	}
	return c.post(ctx, "/sfx", req)
}

func (c *Client) post(ctx context.Context, path string, payload any) (*Clip, error) {
	if !c.Enabled() {
		return nil, ErrNotConfigured
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("audio: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("audio: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("audio: %s: %w: %w", path, domain.ErrUnreachableService, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("audio: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, statusError(path, resp.StatusCode, raw)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("audio: %s: %w: empty body", path, domain.ErrRemoteExecution)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || strings.HasPrefix(mime, "application/octet-stream") {
		mime = "audio/wav"
	}
	c.logger.Debug().
		Str("endpoint", path).
		Int("bytes", len(raw)).
		Dur("elapsed", time.Since(started)).
		Msg("audio: clip generated")
	return &Clip{Data: raw, MIME: mime}, nil
}

func statusError(path string, status int, raw []byte) error {
	detail := strings.TrimSpace(string(raw))
	var decoded errorResponse
	if err := json.Unmarshal(raw, &decoded); err == nil {
		if msg := strings.TrimSpace(decoded.Message + " " + decoded.Error); msg != "" {
			detail = msg
		}
	}
	if len(detail) > 200 {
		detail = detail[:200]
	}
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return fmt.Errorf("audio: %s: %w: %s", path, domain.ErrValidation, detail)
	case status >= 500:
		return fmt.Errorf("audio: %s: %w: status %d: %s", path, domain.ErrUnreachableService, status, detail)
	default:
		return fmt.Errorf("audio: %s: %w: status %d: %s", path, domain.ErrRemoteExecution, status, detail)
	}
}
