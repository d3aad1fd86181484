package ws

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeMembers struct {
	chats map[string]map[string]bool
}

func (f *fakeMembers) IsMember(_ context.Context, chatID, userID string) (bool, error) {
	return f.chats[chatID][userID], nil
}

func newTestClient(hub *Hub, userID string) *Client {
	return NewClient(hub, nil, userID)
}

func drain(c *Client) []OutgoingEvent {
	var out []OutgoingEvent
	for {
		select {
		case ev := <-c.send:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestHubRegisterJoinsUserTopic(t *testing.T) {
	hub := NewHub(&fakeMembers{}, 10)
	c := newTestClient(hub, "alice")

	hub.addClient(c)
	require.Contains(t, hub.topics, UserTopic("alice"))
	require.Contains(t, c.topics, UserTopic("alice"))
	require.Equal(t, 1, hub.total)

	hub.removeClient(c)
	require.NotContains(t, hub.topics, UserTopic("alice"))
	require.Equal(t, 0, hub.total)
}

func TestHubSubscribeRequiresMembership(t *testing.T) {
	members := &fakeMembers{chats: map[string]map[string]bool{
		"c1": {"alice": true},
	}}
	hub := NewHub(members, 10)
	c := newTestClient(hub, "alice")
	hub.addClient(c)

	hub.handleSubscribe(context.Background(), c, []string{ChatTopic("c1")})
	require.Contains(t, hub.topics, ChatTopic("c1"))

	// Not a member of c2: rejected with an error event, no subscription.
	hub.handleSubscribe(context.Background(), c, []string{ChatTopic("c2")})
	require.NotContains(t, hub.topics, ChatTopic("c2"))
	evs := drain(c)
	require.Len(t, evs, 1)
	require.Equal(t, EventError, evs[0].Type)
}

func TestHubSubscribeRejectsForeignUserTopic(t *testing.T) {
	hub := NewHub(&fakeMembers{}, 10)
	c := newTestClient(hub, "alice")
	hub.addClient(c)

	hub.handleSubscribe(context.Background(), c, []string{UserTopic("bob")})
	require.NotContains(t, c.topics, UserTopic("bob"))
	evs := drain(c)
	require.Len(t, evs, 1)
	require.Equal(t, EventError, evs[0].Type)
}

func TestHubPublishScopedToTopic(t *testing.T) {
	members := &fakeMembers{chats: map[string]map[string]bool{
		"c1": {"alice": true, "bob": true},
	}}
	hub := NewHub(members, 10)
	alice := newTestClient(hub, "alice")
	bob := newTestClient(hub, "bob")
	carol := newTestClient(hub, "carol")
	for _, c := range []*Client{alice, bob, carol} {
		hub.addClient(c)
	}
	hub.handleSubscribe(context.Background(), alice, []string{ChatTopic("c1")})
	hub.handleSubscribe(context.Background(), bob, []string{ChatTopic("c1")})

	hub.Publish(ChatTopic("c1"), OutgoingEvent{Type: EventMessageNew})
	require.Len(t, drain(alice), 1)
	require.Len(t, drain(bob), 1)
	require.Empty(t, drain(carol))

	// User topics stay scoped too.
	hub.Publish(UserTopic("carol"), OutgoingEvent{Type: EventListInvalidate})
	require.Empty(t, drain(alice))
	require.Len(t, drain(carol), 1)
}

func TestHubPublishExceptSkipsSender(t *testing.T) {
	members := &fakeMembers{chats: map[string]map[string]bool{
		"c1": {"alice": true, "bob": true},
	}}
	hub := NewHub(members, 10)
	alice := newTestClient(hub, "alice")
	bob := newTestClient(hub, "bob")
	hub.addClient(alice)
	hub.addClient(bob)
	hub.handleSubscribe(context.Background(), alice, []string{ChatTopic("c1")})
	hub.handleSubscribe(context.Background(), bob, []string{ChatTopic("c1")})

	hub.handleTyping(context.Background(), alice, IncomingEvent{Type: EventTyping, ChatID: "c1"})
	require.Empty(t, drain(alice))
	evs := drain(bob)
	require.Len(t, evs, 1)
	require.Equal(t, EventTyping, evs[0].Type)
}

func TestHubUnsubscribeKeepsUserTopic(t *testing.T) {
	members := &fakeMembers{chats: map[string]map[string]bool{
		"c1": {"alice": true},
	}}
	hub := NewHub(members, 10)
	c := newTestClient(hub, "alice")
	hub.addClient(c)
	hub.handleSubscribe(context.Background(), c, []string{ChatTopic("c1")})

	hub.handleUnsubscribe(c, []string{ChatTopic("c1"), UserTopic("alice")})
	require.NotContains(t, hub.topics, ChatTopic("c1"))
	require.Contains(t, c.topics, UserTopic("alice"))
}

func TestHubBackpressureClosesSlowClient(t *testing.T) {
	hub := NewHub(&fakeMembers{}, 10)
	c := newTestClient(hub, "alice")
	hub.addClient(c)

	for i := 0; i < sendBufSize; i++ {
		c.send <- OutgoingEvent{Type: EventListInvalidate}
	}
	// Buffer full and nobody reading: the next delivery drops the client.
	hub.Publish(UserTopic("alice"), OutgoingEvent{Type: EventListInvalidate})
	select {
	case <-c.done:
	default:
		t.Fatal("expected slow client to be closed")
	}
}

func TestHubConnectionLimit(t *testing.T) {
	hub := NewHub(&fakeMembers{}, 1)
	first := newTestClient(hub, "alice")
	second := newTestClient(hub, "bob")
	hub.addClient(first)
	hub.addClient(second)

	require.Equal(t, 1, hub.total)
	require.False(t, second.registered())
	select {
	case <-second.done:
	default:
		t.Fatal("expected rejected client to be closed")
	}
}
