package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubBroadcastDeliversToAllSubscribers(t *testing.T) {
	h := NewHub()
	a := h.Subscribe("conv-1", "sub-a")
	b := h.Subscribe("conv-1", "sub-b")

	h.BroadcastStream("conv-1", "hello")

	select {
	case f := <-a.Frames():
		assert.Equal(t, FrameStream, f.Type)
		assert.Equal(t, "hello", f.Content)
	case <-time.After(time.Second):
		t.Fatal("subscriber a never received frame")
	}
	select {
	case f := <-b.Frames():
		assert.Equal(t, FrameStream, f.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber b never received frame")
	}
}

func TestHubBroadcastIgnoresOtherConversations(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("conv-1", "sub-a")
	h.BroadcastStream("conv-2", "not for you")

	select {
	case <-sub.Frames():
		t.Fatal("subscriber should not have received a frame for a different conversation")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubEvictsSlowSubscriber(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("conv-1", "slow")

	// Fill the bounded queue past capacity without draining it.
	for i := 0; i < subscriberQueueSize+1; i++ {
		h.BroadcastStream("conv-1", "chunk")
	}

	select {
	case <-sub.Closed():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was never evicted")
	}
}

func TestHubUnsubscribeClosesAndRemoves(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("conv-1", "sub-a")
	h.Unsubscribe("conv-1", "sub-a")

	select {
	case <-sub.Closed():
	default:
		t.Fatal("unsubscribe should close the subscriber")
	}

	require.Empty(t, h.rooms)
}

func TestHubUnsubscribeUnknownIsNoop(t *testing.T) {
	h := NewHub()
	assert.NotPanics(t, func() {
		h.Unsubscribe("no-such-conversation", "no-such-subscriber")
	})
}
