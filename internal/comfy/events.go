package comfy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/infra"
)

// ErrStreamClosed is returned when subscribing to a stream that stopped.
var ErrStreamClosed = errors.New("comfy: event stream closed")

// StreamOptions configures the shared websocket connection.
type StreamOptions struct {
	BaseURL          string
	ClientID         string
	Dialer           *websocket.Dialer
	Logger           *infra.Logger
	SubscriberBuffer int
	BacklogSize      int
}

// EventStream is the single websocket connection of a process. Messages are
// dispatched to subscribers by prompt id. Messages for prompts nobody has
// subscribed to yet go into a bounded backlog that is replayed on Subscribe,
// so events racing the submit response are not lost.
type EventStream struct {
	conn   *websocket.Conn
	logger *infra.Logger
	buffer int

	mu          sync.Mutex
	subs        map[string]*subscription
	backlog     []Message
	backlogSize int
	closed      bool
	err         error

	done      chan struct{}
	closeOnce sync.Once
}

type subscription struct {
	ch chan Message
}

// DialEvents opens the websocket at <base>/ws?clientId=<id> and starts the
// reader goroutine.
func DialEvents(ctx context.Context, opts StreamOptions) (*EventStream, error) {
	endpoint, err := websocketURL(opts.BaseURL, opts.ClientID)
	if err != nil {
		return nil, err
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("comfy: websocket connect: %w", err)
	}

	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	buffer := opts.SubscriberBuffer
	if buffer <= 0 {
		buffer = 64
	}
	backlog := opts.BacklogSize
	if backlog <= 0 {
		backlog = 256
	}

	s := &EventStream{
		conn:        conn,
		logger:      logger,
		buffer:      buffer,
		subs:        make(map[string]*subscription),
		backlogSize: backlog,
		done:        make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Subscribe registers interest in one prompt. The channel is closed when the
// subscriber falls too far behind or the connection ends; callers then fall
// back to polling. The returned func releases the subscription.
func (s *EventStream) Subscribe(promptID string) (<-chan Message, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrStreamClosed
	}
	if _, exists := s.subs[promptID]; exists {
		return nil, nil, fmt.Errorf("comfy: prompt %s already has a subscriber", promptID)
	}

	sub := &subscription{ch: make(chan Message, s.buffer)}
	s.subs[promptID] = sub

	kept := s.backlog[:0]
	delivering := true
	for _, msg := range s.backlog {
		if msg.PromptID() != promptID {
			kept = append(kept, msg)
			continue
		}
		if delivering {
			delivering = s.deliverLocked(promptID, sub, msg)
		}
	}
	s.backlog = kept

	release := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if current, ok := s.subs[promptID]; ok && current == sub {
			delete(s.subs, promptID)
			close(sub.ch)
		}
	}
	return sub.ch, release, nil
}

// Done is closed when the connection ends.
func (s *EventStream) Done() <-chan struct{} {
	return s.done
}

// Err reports why the connection ended, if it did.
func (s *EventStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close shuts the connection down and closes every subscriber.
func (s *EventStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = s.conn.Close()
	})
	<-s.done
	return err
}

func (s *EventStream) readLoop() {
	defer close(s.done)
	for {
		kind, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.shutdown(err)
			return
		}
		// Binary frames carry latent previews.
		if kind != websocket.TextMessage {
			continue
		}
		msg, err := DecodeMessage(raw)
		if err != nil {
			s.logger.Warn().Err(err).Msg("comfy: skipping undecodable event")
			continue
		}
		s.dispatch(msg)
	}
}

func (s *EventStream) dispatch(msg Message) {
	id := msg.PromptID()
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		s.deliverLocked(id, sub, msg)
		return
	}
	if len(s.backlog) >= s.backlogSize {
		s.backlog = s.backlog[1:]
	}
	s.backlog = append(s.backlog, msg)
}

// deliverLocked hands msg to sub without blocking the reader. A full buffer
// drops the subscriber.
func (s *EventStream) deliverLocked(id string, sub *subscription, msg Message) bool {
	select {
	case sub.ch <- msg:
		return true
	default:
		s.logger.Warn().Str("prompt_id", id).Msg("comfy: subscriber overflowed, dropping")
		delete(s.subs, id)
		close(sub.ch)
		return false
	}
}

func (s *EventStream) shutdown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, websocket.ErrCloseSent) {
		err = nil
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.err = err
		s.logger.Warn().Err(err).Msg("comfy: event stream lost")
	}
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
	s.backlog = nil
}

func websocketURL(base, clientID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(base), "/"))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("comfy: invalid base url %q", base)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("comfy: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := url.Values{}
	if clientID != "" {
		q.Set("clientId", clientID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
