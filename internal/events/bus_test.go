package events

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	N    int    `json:"n,omitempty"`
}

func drain(t *testing.T, sub *Subscription, n int) []frame {
	t.Helper()
	out := make([]frame, 0, n)
	for len(out) < n {
		select {
		case raw := <-sub.C():
			var f frame
			require.NoError(t, json.Unmarshal(raw, &f))
			out = append(out, f)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d frames", len(out))
		}
	}
	return out
}

func TestPublishFansOutInOrder(t *testing.T) {
	bus := NewBus()
	sub1 := bus.Subscribe(TopicLog("worker-1"), 0)
	defer sub1.Close()
	sub2 := bus.Subscribe(TopicLog("worker-1"), 0)
	defer sub2.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(TopicLog("worker-1"), frame{Type: "assistant", N: i})
	}
	for _, sub := range []*Subscription{sub1, sub2} {
		got := drain(t, sub, 5)
		for i, f := range got {
			assert.Equal(t, i, f.N)
		}
	}
}

func TestReplayOnSubscribe(t *testing.T) {
	bus := NewBus()
	for i := 0; i < 10; i++ {
		bus.Publish(TopicLog("worker-1"), frame{Type: "assistant", N: i})
	}
	sub := bus.Subscribe(TopicLog("worker-1"), 3)
	defer sub.Close()

	got := drain(t, sub, 3)
	assert.Equal(t, []int{7, 8, 9}, []int{got[0].N, got[1].N, got[2].N})
}

func TestRingBounds(t *testing.T) {
	bus := NewBus()
	for i := 0; i < LogRingSize+50; i++ {
		bus.Publish(TopicLog("worker-1"), frame{N: i})
	}
	frames := bus.Replay(TopicLog("worker-1"), 0)
	assert.Len(t, frames, LogRingSize)

	var first frame
	require.NoError(t, json.Unmarshal(frames[0], &first))
	assert.Equal(t, 50, first.N)
}

func TestSlowSubscriberDropsOldestWithMarker(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(TopicSystem, 0)
	defer sub.Close()

	// Nobody reads: overflow the subscriber queue by ten frames. The
	// publisher must never block; the ten oldest frames are discarded.
	for i := 0; i < subscriberQueue+10; i++ {
		bus.Publish(TopicSystem, frame{N: i})
	}

	// Free some room, then publish once more: the marker for the ten
	// discarded frames is delivered as soon as space exists.
	head := drain(t, sub, 5)
	assert.Equal(t, 10, head[0].N)

	bus.Publish(TopicSystem, frame{N: 999})

	var sawMarker bool
	var dropped int
	var last int
	for {
		select {
		case raw := <-sub.C():
			var m map[string]any
			require.NoError(t, json.Unmarshal(raw, &m))
			if m["type"] == "dropped" {
				sawMarker = true
				dropped += int(m["dropped"].(float64))
				continue
			}
			last = int(m["n"].(float64))
		default:
			assert.True(t, sawMarker)
			assert.Equal(t, 10, dropped)
			assert.Equal(t, 999, last)
			return
		}
	}
}

func TestCloseReleasesSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(TopicPlan("p1", "t-000001"), 0)
	sub.Close()
	sub.Close() // idempotent

	_, open := <-sub.C()
	assert.False(t, open)

	// Publishing after close must not panic.
	bus.Publish(TopicPlan("p1", "t-000001"), frame{Type: "assistant"})
}

func TestDispatcherLogRingAndOrder(t *testing.T) {
	bus := NewBus()
	dl := NewDispatcherLog(bus)
	sub := bus.Subscribe(TopicSystem, 0)
	defer sub.Close()

	for i := 0; i < SystemRingSize+5; i++ {
		dl.SystemEvent("scheduler", fmt.Sprintf("event %d", i))
	}
	recent := dl.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, fmt.Sprintf("event %d", SystemRingSize+4), recent[0].Message)
	assert.Equal(t, "scheduler", recent[0].Source)

	all := dl.Recent(0)
	assert.Len(t, all, SystemRingSize)
}

func TestMirrorSeesEveryFrame(t *testing.T) {
	bus := NewBus()
	var topics []string
	bus.SetMirror(func(topic string, _ json.RawMessage) { topics = append(topics, topic) })

	bus.Publish(TopicLog("worker-2"), frame{Type: "assistant"})
	bus.Publish(TopicSystem, frame{Type: "system"})
	assert.Equal(t, []string{"log:worker-2", "system"}, topics)
}
