// Package notification provides the notification manager for broadcasting
// session events.
package notification

import (
	"context"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/djbox/internal/app/playback"
)

const (
	defaultBuffer      = 256
	defaultSendTimeout = 500 * time.Millisecond
)

// Notification is one session event as delivered to subscribers.
type Notification struct {
	ID         string
	SequenceNo uint64
	Event      playback.Event
}

// Stream represents a notification stream for a subscriber.
type Stream interface {
	Send(*Notification) error
}

// StreamFunc adapts a function to a Stream.
type StreamFunc func(*Notification) error

// Send calls f(n).
func (f StreamFunc) Send(n *Notification) error { return f(n) }

// subscription represents a subscriber's subscription.
type subscription struct {
	id     string
	guild  snowflake.ID // 0 receives every guild
	stream Stream
}

func (s *subscription) wants(e playback.Event) bool {
	return s.guild == 0 || s.guild == e.GuildID
}

// Option configures a Manager.
type Option func(*Manager)

// WithBuffer sets how many published events may wait for delivery.
func WithBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// WithSendTimeout bounds how long one subscriber may take to accept a
// notification.
func WithSendTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sendTimeout = d
		}
	}
}

// Manager manages notification subscriptions and broadcasting.
type Manager struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	sequenceNo    uint64
	sequenceNoMu  sync.Mutex

	buffer      int
	sendTimeout time.Duration
	events      chan playback.Event
	dropped     uint64
	closeOnce   sync.Once
	closed      chan struct{}
	done        chan struct{}
}

// NewManager creates a new notification manager and starts its delivery
// loop.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		subscriptions: make(map[string]*subscription),
		buffer:        defaultBuffer,
		sendTimeout:   defaultSendTimeout,
		closed:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.events = make(chan playback.Event, m.buffer)
	go m.deliverLoop()
	return m
}

// Subscribe adds a new subscription and returns the subscription ID.
// A zero guild subscribes to every session.
func (m *Manager) Subscribe(guild snowflake.ID, stream Stream) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New().String()
	m.subscriptions[id] = &subscription{
		id:     id,
		guild:  guild,
		stream: stream,
	}
	return id
}

// NextSequenceNo returns the next sequence number and increments the counter.
func (m *Manager) NextSequenceNo() uint64 {
	m.sequenceNoMu.Lock()
	defer m.sequenceNoMu.Unlock()
	m.sequenceNo++
	return m.sequenceNo
}

// Unsubscribe removes a subscription.
func (m *Manager) Unsubscribe(subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, subscriptionID)
}

// Publish queues an event for delivery without blocking. It is safe to use
// as a playback.Sink. Events published while the buffer is full are dropped.
func (m *Manager) Publish(e playback.Event) {
	select {
	case <-m.closed:
		return
	default:
	}
	select {
	case m.events <- e:
	default:
		m.sequenceNoMu.Lock()
		m.dropped++
		n := m.dropped
		m.sequenceNoMu.Unlock()
		zlog.Warn().Msgf("notification: buffer full, dropped %s for guild %s (total %d)", e.Type, e.GuildID, n)
	}
}

// Dropped returns how many published events were discarded.
func (m *Manager) Dropped() uint64 {
	m.sequenceNoMu.Lock()
	defer m.sequenceNoMu.Unlock()
	return m.dropped
}

func (m *Manager) deliverLoop() {
	defer close(m.done)
	for {
		select {
		case e := <-m.events:
			m.Broadcast(e)
		case <-m.closed:
			// flush what was published before Close
			for {
				select {
				case e := <-m.events:
					m.Broadcast(e)
				default:
					return
				}
			}
		}
	}
}

// Broadcast sends an event to every interested subscriber and returns the
// notification sent. Each stream send runs in its own goroutine with a
// timeout so one slow subscriber cannot hold up the rest.
func (m *Manager) Broadcast(e playback.Event) *Notification {
	n := &Notification{
		ID:         uuid.New().String(),
		SequenceNo: m.NextSequenceNo(),
		Event:      e,
	}

	m.mu.RLock()
	subs := make([]*subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		if sub.wants(e) {
			subs = append(subs, sub)
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- s.stream.Send(n)
			}()

			select {
			case err := <-done:
				if err != nil {
					zlog.Debug().Msgf("notification: send to %s failed, unsubscribing: %v", s.id, err)
					m.Unsubscribe(s.id)
				}
			case <-ctx.Done():
				zlog.Debug().Msgf("notification: send to %s timed out", s.id)
			}
		}(sub)
	}

	wg.Wait()
	return n
}

// Send sends an event to a specific subscriber.
func (m *Manager) Send(subscriptionID string, e playback.Event) error {
	m.mu.RLock()
	sub, ok := m.subscriptions[subscriptionID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	return sub.stream.Send(&Notification{
		ID:         uuid.New().String(),
		SequenceNo: m.NextSequenceNo(),
		Event:      e,
	})
}

// SubscriberCount returns the number of active subscribers.
func (m *Manager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscriptions)
}

// Close delivers what is already queued, stops the delivery loop and
// removes all subscriptions.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
	})
	<-m.done
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = make(map[string]*subscription)
}
