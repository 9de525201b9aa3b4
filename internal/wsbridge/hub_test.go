package wsbridge

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestClient(topics ...string) *Client {
	return &Client{
		id:     uuid.Must(uuid.NewV7()),
		send:   make(chan Message, sendBufferSize),
		topics: topics,
	}
}

func TestHubPublishDedupsMultiTopicSubscriber(t *testing.T) {
	h := NewHub()
	c := newTestClient("task:1", "all")
	h.Subscribe(c)

	h.Publish(Message{Type: MsgTaskUpdate, Topic: "task:1"}, "task:1", "all")

	require.Len(t, c.send, 1, "a client subscribed to both matching topics must receive the message once")
}

func TestHubPublishOnlyReachesSubscribedTopic(t *testing.T) {
	h := NewHub()
	subscribed := newTestClient("pool:default")
	other := newTestClient("pool:other")
	h.Subscribe(subscribed)
	h.Subscribe(other)

	h.Publish(Message{Type: MsgTaskUpdate, Topic: "pool:default"}, "pool:default")

	require.Len(t, subscribed.send, 1)
	require.Len(t, other.send, 0)
}

func TestHubPublishEvictsSlowClient(t *testing.T) {
	h := NewHub()
	c := newTestClient("all")
	// sendBufferSize-capacity channel, already full.
	for i := 0; i < cap(c.send); i++ {
		c.send <- Message{}
	}
	h.Subscribe(c)

	h.Publish(Message{Type: MsgTaskUpdate}, "all")

	require.Equal(t, 0, h.ConnectedCount(), "a client whose buffer is full must be evicted, not blocked on")
}

func TestHubEvictByID(t *testing.T) {
	h := NewHub()
	c := newTestClient("all")
	h.Subscribe(c)
	require.Equal(t, 1, h.ConnectedCount())

	require.True(t, h.Evict(c.ID()))
	require.Equal(t, 0, h.ConnectedCount())
	require.Equal(t, 0, h.TopicSubscriberCount("all"))

	require.False(t, h.Evict(c.ID()), "evicting an already-removed client reports not found")
}

func TestHubCloseDisconnectsEveryClient(t *testing.T) {
	h := NewHub()
	a := newTestClient("all")
	b := newTestClient("task:1")
	h.Subscribe(a)
	h.Subscribe(b)

	h.Close()

	require.Equal(t, 0, h.ConnectedCount())
	_, aOpen := <-a.send
	_, bOpen := <-b.send
	require.False(t, aOpen)
	require.False(t, bOpen)
}
