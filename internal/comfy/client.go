package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/infra"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/workflow"
)

// Options configures the generation server client.
type Options struct {
	BaseURL        string
	ClientID       string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls against a ComfyUI-compatible server. It never
// resubmits a prompt on its own; retries are the caller's decision.
type Client struct {
	baseURL    string
	clientID   string
	httpClient *http.Client
	logger     *infra.Logger
}

// QueueDepth counts prompts waiting and running on the server.
type QueueDepth struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
}

// QueueSnapshot lists prompt ids by queue position.
type QueueSnapshot struct {
	Running []string
	Pending []string
}

// Depth summarises the snapshot.
func (q QueueSnapshot) Depth() QueueDepth {
	return QueueDepth{Pending: len(q.Pending), Running: len(q.Running)}
}

func (q QueueSnapshot) isRunning(id string) bool { return slices.Contains(q.Running, id) }
func (q QueueSnapshot) isPending(id string) bool { return slices.Contains(q.Pending, id) }

// NodeOutput lists the files one output node produced.
type NodeOutput struct {
	Images []domain.ArtifactRef `json:"images,omitempty"`
	Gifs   []domain.ArtifactRef `json:"gifs,omitempty"`
	Audio  []domain.ArtifactRef `json:"audio,omitempty"`
}

// HistoryEntry is the server's record of one prompt.
type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  HistoryStatus         `json:"status"`
}

// HistoryStatus is the execution outcome embedded in a history entry.
type HistoryStatus struct {
	StatusStr string            `json:"status_str"`
	Completed bool              `json:"completed"`
	Messages  []json.RawMessage `json:"messages"`
}

// JobState is a single observation made by Poll.
type JobState struct {
	Status domain.JobStatus
	Err    error
}

type promptRequest struct {
	Prompt   workflow.Graph `json:"prompt"`
	ClientID string         `json:"client_id"`
}

type deleteRequest struct {
	Delete []string `json:"delete"`
}

type interruptRequest struct {
	PromptID string `json:"prompt_id"`
}

type promptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
	NodeErrors map[string]struct {
		ClassType string `json:"class_type"`
		Errors    []struct {
			Message string `json:"message"`
			Details string `json:"details"`
		} `json:"errors"`
	} `json:"node_errors"`
}

type queueResponse struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8188"
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("comfy: invalid base url %q", opts.BaseURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		clientID = uuid.NewString()
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	return &Client{
		baseURL:    baseURL,
		clientID:   clientID,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// ClientID returns the session id sent with every prompt. Websocket events
// are only delivered to the session that submitted the prompt.
func (c *Client) ClientID() string {
	return c.clientID
}

// BaseURL returns the server root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Submit queues a graph once. A 400 carrying node errors means the server
// rejected the graph and maps to ErrValidation; transport failures and
// malformed responses map to ErrUnreachableService.
func (c *Client) Submit(ctx context.Context, graph workflow.Graph) (domain.JobHandle, error) {
	if len(graph) == 0 {
		return domain.JobHandle{}, domain.Validationf("workflow graph is empty")
	}
	if err := graph.Validate(); err != nil {
		return domain.JobHandle{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	body, err := json.Marshal(promptRequest{Prompt: graph, ClientID: c.clientID})
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("comfy: encode prompt: %w", err)
	}

	status, raw, err := c.do(ctx, http.MethodPost, "/prompt", body)
	if err != nil {
		return domain.JobHandle{}, unreachable("submit", err)
	}
	if status == http.StatusBadRequest {
		return domain.JobHandle{}, rejection(raw)
	}
	if status >= 300 {
		return domain.JobHandle{}, unreachable("submit", fmt.Errorf("status %d: %s", status, snippet(raw)))
	}

	var decoded promptResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return domain.JobHandle{}, unreachable("submit", fmt.Errorf("decode response: %w", err))
	}
	if strings.TrimSpace(decoded.PromptID) == "" {
		return domain.JobHandle{}, unreachable("submit", errors.New("response carries no prompt_id"))
	}

	handle := domain.JobHandle{
		PromptID:    decoded.PromptID,
		Number:      decoded.Number,
		ClientID:    c.clientID,
		SubmittedAt: time.Now().UTC(),
	}
	c.logger.Debug().
		Str("prompt_id", handle.PromptID).
		Int("number", handle.Number).
		Msg("comfy: prompt queued")
	return handle, nil
}

// History returns the server record for promptID. The boolean is false when
// the server has no record yet.
func (c *Client) History(ctx context.Context, promptID string) (*HistoryEntry, bool, error) {
	status, raw, err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, false, unreachable("history", err)
	}
	if status == http.StatusNotFound {
		return nil, false, nil
	}
	if status >= 300 {
		return nil, false, unreachable("history", fmt.Errorf("status %d: %s", status, snippet(raw)))
	}
	var decoded map[string]HistoryEntry
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, false, unreachable("history", fmt.Errorf("decode response: %w", err))
	}
	entry, ok := decoded[promptID]
	if !ok {
		return nil, false, nil
	}
	return &entry, true, nil
}

// FetchArtifacts lists the outputs of a completed prompt, ordered by node id.
// It fails with ErrNotReady until the server records a completed run.
func (c *Client) FetchArtifacts(ctx context.Context, handle domain.JobHandle) ([]domain.ArtifactRef, error) {
	entry, ok, err := c.History(ctx, handle.PromptID)
	if err != nil {
		return nil, err
	}
	if !ok || !entry.Status.Completed {
		if ok && entry.Status.StatusStr == "error" {
			return nil, entry.failure(handle.PromptID)
		}
		return nil, fmt.Errorf("comfy: prompt %s: %w", handle.PromptID, domain.ErrNotReady)
	}
	if entry.Status.StatusStr == "error" {
		return nil, entry.failure(handle.PromptID)
	}
	return entry.Artifacts(), nil
}

// Artifacts flattens the outputs of every node, sorted by node id.
func (h *HistoryEntry) Artifacts() []domain.ArtifactRef {
	nodeIDs := make([]string, 0, len(h.Outputs))
	for id := range h.Outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	var refs []domain.ArtifactRef
	for _, id := range nodeIDs {
		out := h.Outputs[id]
		for _, group := range [][]domain.ArtifactRef{out.Images, out.Gifs, out.Audio} {
			for _, ref := range group {
				// Preview images are scratch files, not results.
				if ref.Type == "temp" {
					continue
				}
				ref.NodeID = id
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

// interrupted reports whether the history messages include an interrupt.
func (h *HistoryEntry) interrupted() bool {
	for _, m := range h.Status.Messages {
		name, _ := decodeHistoryMessage(m)
		if name == "execution_interrupted" {
			return true
		}
	}
	return false
}

func (h *HistoryEntry) failure(promptID string) error {
	for _, m := range h.Status.Messages {
		name, data := decodeHistoryMessage(m)
		if name != "execution_error" {
			continue
		}
		var detail messageData
		if err := json.Unmarshal(data, &detail); err == nil {
			return remoteError(promptID, detail.NodeID, detail.NodeType, detail.ExceptionType, detail.ExceptionMessage)
		}
	}
	return remoteError(promptID, "", "", "", "server reported status "+h.Status.StatusStr)
}

// decodeHistoryMessage splits a ["name", {...}] pair.
func decodeHistoryMessage(raw json.RawMessage) (string, json.RawMessage) {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) == 0 {
		return "", nil
	}
	var name string
	if err := json.Unmarshal(pair[0], &name); err != nil {
		return "", nil
	}
	if len(pair) < 2 {
		return name, nil
	}
	return name, pair[1]
}

// Download fetches the bytes of one artifact and its content type.
func (c *Client) Download(ctx context.Context, ref domain.ArtifactRef) ([]byte, string, error) {
	if strings.TrimSpace(ref.Filename) == "" {
		return nil, "", domain.Validationf("artifact filename is required")
	}
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	typ := ref.Type
	if typ == "" {
		typ = "output"
	}
	q.Set("type", typ)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("comfy: build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", unreachable("download", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", unreachable("download", fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, "", fmt.Errorf("comfy: artifact %s: %w", ref.Filename, domain.ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		return nil, "", unreachable("download", fmt.Errorf("status %d", resp.StatusCode))
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

// Queue returns the prompt ids currently running and pending.
func (c *Client) Queue(ctx context.Context) (QueueSnapshot, error) {
	status, raw, err := c.do(ctx, http.MethodGet, "/queue", nil)
	if err != nil {
		return QueueSnapshot{}, unreachable("queue", err)
	}
	if status >= 300 {
		return QueueSnapshot{}, unreachable("queue", fmt.Errorf("status %d: %s", status, snippet(raw)))
	}
	var decoded queueResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return QueueSnapshot{}, unreachable("queue", fmt.Errorf("decode response: %w", err))
	}
	return QueueSnapshot{
		Running: queuePromptIDs(decoded.Running),
		Pending: queuePromptIDs(decoded.Pending),
	}, nil
}

// QueueDepth reports how many prompts are waiting and running.
func (c *Client) QueueDepth(ctx context.Context) (QueueDepth, error) {
	snap, err := c.Queue(ctx)
	if err != nil {
		return QueueDepth{}, err
	}
	return snap.Depth(), nil
}

// Cancel asks the server to drop a prompt. Pending prompts are deleted from
// the queue by id. A running prompt is interrupted; older servers ignore the
// prompt id on /interrupt and stop whatever is running, so with several
// prompts in flight the interrupt may hit a different one. The result says
// whether a request was accepted, not whether the prompt stopped.
func (c *Client) Cancel(ctx context.Context, handle domain.JobHandle) (bool, error) {
	snap, err := c.Queue(ctx)
	if err != nil {
		return false, err
	}

	switch {
	case snap.isPending(handle.PromptID):
		body, err := json.Marshal(deleteRequest{Delete: []string{handle.PromptID}})
		if err != nil {
			return false, fmt.Errorf("comfy: encode delete: %w", err)
		}
		status, raw, err := c.do(ctx, http.MethodPost, "/queue", body)
		if err != nil {
			return false, unreachable("cancel", err)
		}
		if status >= 300 {
			return false, unreachable("cancel", fmt.Errorf("status %d: %s", status, snippet(raw)))
		}
		c.logger.Info().Str("prompt_id", handle.PromptID).Msg("comfy: pending prompt deleted")
		return true, nil
	case snap.isRunning(handle.PromptID):
		if len(snap.Running) > 1 {
			c.logger.Warn().
				Str("prompt_id", handle.PromptID).
				Int("running", len(snap.Running)).
				Msg("comfy: interrupt may not be scoped to this prompt")
		}
		body, err := json.Marshal(interruptRequest{PromptID: handle.PromptID})
		if err != nil {
			return false, fmt.Errorf("comfy: encode interrupt: %w", err)
		}
		status, raw, err := c.do(ctx, http.MethodPost, "/interrupt", body)
		if err != nil {
			return false, unreachable("interrupt", err)
		}
		if status >= 300 {
			return false, unreachable("interrupt", fmt.Errorf("status %d: %s", status, snippet(raw)))
		}
		c.logger.Info().Str("prompt_id", handle.PromptID).Msg("comfy: running prompt interrupted")
		return true, nil
	default:
		return false, nil
	}
}

// Poll observes a prompt once through history and the queue.
func (c *Client) Poll(ctx context.Context, handle domain.JobHandle) (JobState, error) {
	entry, ok, err := c.History(ctx, handle.PromptID)
	if err != nil {
		return JobState{}, err
	}
	if ok {
		switch {
		case entry.interrupted():
			return JobState{Status: domain.JobStatusCancelled, Err: domain.ErrCancelled}, nil
		case entry.Status.StatusStr == "error":
			return JobState{Status: domain.JobStatusFailed, Err: entry.failure(handle.PromptID)}, nil
		case entry.Status.Completed:
			return JobState{Status: domain.JobStatusCompleted}, nil
		}
	}

	snap, err := c.Queue(ctx)
	if err != nil {
		return JobState{}, err
	}
	if snap.isRunning(handle.PromptID) {
		return JobState{Status: domain.JobStatusExecuting}, nil
	}
	// Pending, or between leaving the queue and being written to history.
	return JobState{Status: domain.JobStatusQueued}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

func unreachable(op string, err error) error {
	return fmt.Errorf("comfy: %s: %w: %w", op, domain.ErrUnreachableService, err)
}

func rejection(raw []byte) error {
	var detail errorResponse
	if err := json.Unmarshal(raw, &detail); err != nil {
		return domain.Validationf("server rejected prompt: %s", snippet(raw))
	}
	parts := make([]string, 0, len(detail.NodeErrors)+1)
	if msg := strings.TrimSpace(detail.Error.Message); msg != "" {
		parts = append(parts, msg)
	}
	ids := make([]string, 0, len(detail.NodeErrors))
	for id := range detail.NodeErrors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		node := detail.NodeErrors[id]
		for _, e := range node.Errors {
			parts = append(parts, fmt.Sprintf("node %s (%s): %s", id, node.ClassType, e.Message))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "server rejected prompt")
	}
	return domain.Validationf("%s", strings.Join(parts, "; "))
}

func remoteError(promptID, nodeID, nodeType, excType, excMsg string) error {
	return &domain.RemoteExecutionError{
		PromptID:         promptID,
		NodeID:           nodeID,
		NodeType:         nodeType,
		ExceptionType:    excType,
		ExceptionMessage: excMsg,
	}
}

// queuePromptIDs extracts element 1 of each [number, prompt_id, ...] entry.
func queuePromptIDs(entries []json.RawMessage) []string {
	ids := make([]string, 0, len(entries))
	for _, raw := range entries {
		var tuple []json.RawMessage
		if err := json.Unmarshal(raw, &tuple); err != nil || len(tuple) < 2 {
			continue
		}
		var id string
		if err := json.Unmarshal(tuple[1], &id); err != nil || id == "" {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}
