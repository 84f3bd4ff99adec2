// Package events provides the in-process event bus: per-topic ring buffers
// with non-blocking fan-out to live subscribers, the dispatcher audit log,
// and an optional NATS mirror.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	// LogRingSize bounds per-worker log topics.
	LogRingSize = 300
	// SystemRingSize bounds the system and plan topics.
	SystemRingSize = 1000

	subscriberQueue = 64
)

// TopicLog is the topic carrying agent output for one worker.
func TopicLog(workerID string) string { return "log:" + workerID }

// TopicPlan is the topic carrying the plan conversation for one task.
func TopicPlan(pid, tid string) string { return fmt.Sprintf("plan:%s:%s", pid, tid) }

// TopicSystem carries dispatcher events.
const TopicSystem = "system"

// MirrorFunc receives every published frame for out-of-process fan-out.
type MirrorFunc func(topic string, frame json.RawMessage)

// Bus fans out JSON frames to subscribers. Publishing never blocks: a slow
// subscriber loses its oldest pending frame and later receives a dropped
// marker counting the loss.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topic
	mirror MirrorFunc
}

type topic struct {
	mu   sync.Mutex
	ring []json.RawMessage
	cap  int
	subs map[*Subscription]struct{}
}

// Subscription is one live consumer of a topic.
type Subscription struct {
	bus     *Bus
	topic   string
	ch      chan json.RawMessage
	dropped int
	closed  bool
	mu      sync.Mutex
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

// SetMirror installs a mirror callback invoked for every published frame.
func (b *Bus) SetMirror(fn MirrorFunc) {
	b.mu.Lock()
	b.mirror = fn
	b.mu.Unlock()
}

func ringCap(name string) int {
	if strings.HasPrefix(name, "log:") {
		return LogRingSize
	}
	return SystemRingSize
}

func (b *Bus) topicFor(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	tp, ok := b.topics[name]
	if !ok {
		tp = &topic{cap: ringCap(name), subs: make(map[*Subscription]struct{})}
		b.topics[name] = tp
	}
	return tp
}

// Publish marshals ev and delivers it to the topic's ring and subscribers.
func (b *Bus) Publish(topicName string, ev any) {
	frame, err := json.Marshal(ev)
	if err != nil {
		return
	}
	b.PublishRaw(topicName, frame)
}

// PublishRaw delivers an already-encoded JSON frame.
func (b *Bus) PublishRaw(topicName string, frame json.RawMessage) {
	tp := b.topicFor(topicName)
	tp.mu.Lock()
	tp.ring = append(tp.ring, frame)
	if len(tp.ring) > tp.cap {
		tp.ring = tp.ring[len(tp.ring)-tp.cap:]
	}
	for sub := range tp.subs {
		sub.offer(frame)
	}
	tp.mu.Unlock()

	b.mu.RLock()
	mirror := b.mirror
	b.mu.RUnlock()
	if mirror != nil {
		mirror(topicName, frame)
	}
}

// Replay returns up to lastN most recent frames for a topic, oldest first.
func (b *Bus) Replay(topicName string, lastN int) []json.RawMessage {
	tp := b.topicFor(topicName)
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if lastN <= 0 || lastN > len(tp.ring) {
		lastN = len(tp.ring)
	}
	out := make([]json.RawMessage, lastN)
	copy(out, tp.ring[len(tp.ring)-lastN:])
	return out
}

// Subscribe registers a consumer. The last replayN frames are queued
// immediately, then live frames follow. Close the subscription to release
// the slot.
func (b *Bus) Subscribe(topicName string, replayN int) *Subscription {
	tp := b.topicFor(topicName)
	sub := &Subscription{
		bus:   b,
		topic: topicName,
		ch:    make(chan json.RawMessage, subscriberQueue),
	}
	tp.mu.Lock()
	if replayN > subscriberQueue {
		replayN = subscriberQueue
	}
	if replayN > len(tp.ring) {
		replayN = len(tp.ring)
	}
	for _, frame := range tp.ring[len(tp.ring)-replayN:] {
		sub.ch <- frame
	}
	tp.subs[sub] = struct{}{}
	tp.mu.Unlock()
	return sub
}

// C returns the subscription's frame channel.
func (s *Subscription) C() <-chan json.RawMessage { return s.ch }

// Close releases the subscriber slot. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	tp := s.bus.topicFor(s.topic)
	tp.mu.Lock()
	delete(tp.subs, s)
	tp.mu.Unlock()
	close(s.ch)
}

// offer enqueues a frame without blocking. On overflow the oldest pending
// frame is discarded and counted; the count is surfaced as a dropped marker
// as soon as the queue has room again. Called with the topic lock held.
func (s *Subscription) offer(frame json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.dropped > 0 {
		marker, _ := json.Marshal(map[string]any{
			"type":      "dropped",
			"dropped":   s.dropped,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		select {
		case s.ch <- marker:
			s.dropped = 0
		default:
		}
	}
	select {
	case s.ch <- frame:
		return
	default:
	}
	select {
	case <-s.ch:
		s.dropped++
	default:
	}
	select {
	case s.ch <- frame:
	default:
		s.dropped++
	}
}
