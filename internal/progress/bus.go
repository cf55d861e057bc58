// Package progress is the per-task publish/subscribe bus with
// lossy-latest delivery: a slow subscriber sees the newest message per
// (language, stage) key and never stalls a publisher.
package progress

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MessageType is the wire-level "type" field.
type MessageType string

const (
	TypeProgress MessageType = "progress"
	TypeDone     MessageType = "done"
	TypeError    MessageType = "error"
)

// Message is the wire-level progress message. Language is nil for
// shared (pre-fan-out) stages and serialized as null.
type Message struct {
	Type     MessageType `json:"type"`
	Language *string     `json:"language"`
	Stage    string      `json:"stage"`
	Progress int         `json:"progress"`
	Message  string      `json:"message,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Lang is a convenience for building the nullable language field.
func Lang(code string) *string {
	if code == "" {
		return nil
	}
	return &code
}

// key identifies the lossy-latest slot a message supersedes.
type key struct {
	language string
	stage    string
}

func keyOf(m Message) key {
	k := key{stage: m.Stage}
	if m.Language != nil {
		k.language = *m.Language
	}
	return k
}

// subscriber owns one outbound channel. Publishes that cannot be
// accepted immediately overwrite the pending slot for their
// (language, stage) key; a pump goroutine drains pending slots in
// arrival order, so a slow consumer sees the newest message per key
// and never stalls a publisher.
type subscriber struct {
	out  chan Message
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	pending map[key]Message
	order   []key
	closed  bool
}

func newSubscriber(buffer int) *subscriber {
	s := &subscriber{
		out:     make(chan Message, buffer),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		pending: make(map[key]Message),
	}
	go s.pump()
	return s
}

// offer enqueues m without ever blocking the caller. Terminal messages
// bypass lossy-latest keying so they are never superseded.
func (s *subscriber) offer(m Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	k := keyOf(m)
	if m.Type != TypeProgress {
		// Unique key per terminal message so done/error survive a
		// following progress for the same stage.
		k.stage = k.stage + "\x00" + string(m.Type)
	}
	if _, exists := s.pending[k]; !exists {
		s.order = append(s.order, k)
	}
	s.pending[k] = m
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			// Closing flush: best-effort, never blocks on an abandoned
			// consumer.
			s.mu.Lock()
			order, pending := s.order, s.pending
			s.order, s.pending = nil, nil
			s.mu.Unlock()
			for _, k := range order {
				select {
				case s.out <- pending[k]:
				default:
				}
			}
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.order) == 0 {
				s.mu.Unlock()
				break
			}
			k := s.order[0]
			s.order = s.order[1:]
			m := s.pending[k]
			delete(s.pending, k)
			s.mu.Unlock()

			select {
			case s.out <- m:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

// topic is the per-task fan-out set.
type topic struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// Bus holds one topic per live task.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	logger zerolog.Logger

	// subscriberBuffer sizes each subscriber's outbound channel; beyond
	// it, lossy-latest kicks in.
	subscriberBuffer int
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{
		topics:           make(map[string]*topic),
		logger:           log.With().Str("component", "progress").Logger(),
		subscriberBuffer: 16,
	}
}

func (b *Bus) topicFor(taskID string, create bool) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[taskID]
	if !ok && create {
		t = &topic{subs: make(map[*subscriber]struct{})}
		b.topics[taskID] = t
	}
	return t
}

// Subscribe attaches a new subscriber to taskID's topic and returns its
// receive channel plus an unsubscribe function. Subscription is
// non-blocking and a subscriber only sees messages published after it
// joined.
func (b *Bus) Subscribe(taskID string) (<-chan Message, func()) {
	t := b.topicFor(taskID, true)
	sub := newSubscriber(b.subscriberBuffer)

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		delete(t.subs, sub)
		t.mu.Unlock()
		sub.close()
	}
	return sub.out, cancel
}

// Publish broadcasts m to every current subscriber of taskID. Publishing
// to a task with no topic or no subscribers is a no-op.
func (b *Bus) Publish(taskID string, m Message) {
	t := b.topicFor(taskID, false)
	if t == nil {
		return
	}
	t.mu.Lock()
	for sub := range t.subs {
		sub.offer(m)
	}
	t.mu.Unlock()
}

// CloseTask tears down taskID's topic: every subscriber receives the
// terminal message, then its channel is closed.
func (b *Bus) CloseTask(taskID string, terminal Message) {
	b.mu.Lock()
	t := b.topics[taskID]
	delete(b.topics, taskID)
	b.mu.Unlock()
	if t == nil {
		return
	}

	t.mu.Lock()
	subs := make([]*subscriber, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[*subscriber]struct{})
	t.mu.Unlock()

	for _, sub := range subs {
		sub.offer(terminal)
		sub.close()
	}
	b.logger.Debug().Str("task", taskID).Int("subscribers", len(subs)).Msg("topic closed")
}
