// Package stream consumes the live EventStreams feed of revision
// visibility and tag changes over SSE.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// State tracks the subscription lifecycle.
type State int32

const (
	Closed State = iota
	Connecting
	Open
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

// VisibilityEvent reports a revision-visibility change. Hidden flags are
// true for fields the change suppressed.
type VisibilityEvent struct {
	RevID    int64
	Database string
	Hidden   HiddenFields
}

// HiddenFields mirrors the visibility object with hidden-oriented polarity.
type HiddenFields struct {
	Text    bool
	Comment bool
	User    bool
}

// TagsEvent reports the authoritative new tag set of a revision.
type TagsEvent struct {
	RevID    int64
	Database string
	Tags     []string
}

// Handlers are the callbacks a subscriber registers. Nil callbacks skip
// their topic.
type Handlers struct {
	OnVisibility func(VisibilityEvent)
	OnTags       func(TagsEvent)
}

// Subscription is a long-lived SSE consumer with automatic reconnects.
type Subscription struct {
	url     string
	client  *http.Client
	logger  *slog.Logger
	handler Handlers

	state  atomic.Int32
	mu     sync.Mutex
	cancel context.CancelFunc
}

// New builds a subscription against the event stream URL.
func New(url string, client *http.Client, handler Handlers, logger *slog.Logger) *Subscription {
	if client == nil {
		client = &http.Client{}
	}
	return &Subscription{url: url, client: client, handler: handler, logger: logger}
}

// CurrentState reports the lifecycle state.
func (s *Subscription) CurrentState() State {
	return State(s.state.Load())
}

// Start begins consuming. Repeated starts on an already Open or Connecting
// subscription are no-ops.
func (s *Subscription) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) != Closed {
		return
	}
	s.state.Store(int32(Connecting))

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
}

// Stop closes the stream. A later Start reconnects.
func (s *Subscription) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.state.Store(int32(Closed))
}

func (s *Subscription) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.consumeOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		s.state.Store(int32(Connecting))
		s.logger.Warn("change stream detached, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *Subscription) consumeOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("creating stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream response: %d %s", resp.StatusCode, resp.Status)
	}

	s.state.Store(int32(Open))
	s.logger.Info("change stream connected")
	return s.scan(resp.Body)
}

// scan reads SSE lines, dispatching data payloads by their meta.stream.
func (s *Subscription) scan(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	const maxCapacity = 1024 * 1024
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		s.dispatch(line[6:])
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

type eventEnvelope struct {
	Meta struct {
		Stream string `json:"stream"`
	} `json:"meta"`
	RevID      int64    `json:"rev_id"`
	Database   string   `json:"database"`
	Tags       []string `json:"tags"`
	Visibility *struct {
		Text    bool `json:"text"`
		Comment bool `json:"comment"`
		User    bool `json:"user"`
	} `json:"visibility"`
}

func (s *Subscription) dispatch(payload []byte) {
	var envelope eventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		s.logger.Debug("unparsable stream event", "error", err)
		return
	}

	switch envelope.Meta.Stream {
	case "mediawiki.revision-visibility-change":
		if s.handler.OnVisibility == nil || envelope.Visibility == nil {
			return
		}
		// The feed reports visible fields; flip to hidden polarity.
		s.handler.OnVisibility(VisibilityEvent{
			RevID:    envelope.RevID,
			Database: envelope.Database,
			Hidden: HiddenFields{
				Text:    !envelope.Visibility.Text,
				Comment: !envelope.Visibility.Comment,
				User:    !envelope.Visibility.User,
			},
		})
	case "mediawiki.revision-tags-change":
		if s.handler.OnTags == nil {
			return
		}
		s.handler.OnTags(TagsEvent{
			RevID:    envelope.RevID,
			Database: envelope.Database,
			Tags:     envelope.Tags,
		})
	}
}
