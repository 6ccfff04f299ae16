package registry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshmeet/meshmeet/internal/v1/protocol"
)

func sendsTo(plan []Send, socket SocketID) []Send {
	var out []Send
	for _, s := range plan {
		if s.To == socket {
			out = append(out, s)
		}
	}
	return out
}

func sendsWithEvent(plan []Send, event string) []Send {
	var out []Send
	for _, s := range plan {
		if s.Event == event {
			out = append(out, s)
		}
	}
	return out
}

func TestJoinFirstMember(t *testing.T) {
	g := New()

	plan := g.Join("room-1", "alice", "s-alice", "Alice")

	existing := sendsWithEvent(plan, protocol.EventExistingParticipants)
	require.Len(t, existing, 1)
	assert.Equal(t, SocketID("s-alice"), existing[0].To)

	participants, ok := existing[0].Payload.([]protocol.ParticipantInfo)
	require.True(t, ok)
	require.Len(t, participants, 1)
	assert.Equal(t, "alice", participants[0].UserID)
	assert.Equal(t, "s-alice", participants[0].SocketID)
	assert.Equal(t, "Alice", participants[0].Nickname)

	assert.Empty(t, sendsWithEvent(plan, protocol.EventUserJoined))

	counts := sendsWithEvent(plan, protocol.EventParticipantCount)
	require.Len(t, counts, 1)
	assert.Equal(t, 1, counts[0].Payload)

	assert.Equal(t, 1, g.RoomCount())
}

func TestJoinSecondMemberNotifiesFirst(t *testing.T) {
	g := New()
	g.Join("room-1", "alice", "s-alice", "Alice")

	plan := g.Join("room-1", "bob", "s-bob", "Bob")

	// Bob gets the full list, himself included.
	existing := sendsWithEvent(plan, protocol.EventExistingParticipants)
	require.Len(t, existing, 1)
	assert.Equal(t, SocketID("s-bob"), existing[0].To)
	participants := existing[0].Payload.([]protocol.ParticipantInfo)
	require.Len(t, participants, 2)
	assert.Equal(t, "alice", participants[0].UserID)
	assert.Equal(t, "bob", participants[1].UserID)

	// Alice, and only Alice, sees userJoined.
	joined := sendsWithEvent(plan, protocol.EventUserJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, SocketID("s-alice"), joined[0].To)
	info := joined[0].Payload.(protocol.ParticipantInfo)
	assert.Equal(t, "bob", info.UserID)

	// Everyone gets the new count.
	counts := sendsWithEvent(plan, protocol.EventParticipantCount)
	require.Len(t, counts, 2)
	for _, s := range counts {
		assert.Equal(t, 2, s.Payload)
	}
}

func TestRejoinReplacesSocket(t *testing.T) {
	g := New()
	g.Join("room-1", "alice", "s-old", "Alice")
	g.Join("room-1", "bob", "s-bob", "Bob")

	plan := g.Join("room-1", "alice", "s-new", "Alice")

	// A rejoin announces userRejoined, never a second userJoined.
	assert.Empty(t, sendsWithEvent(plan, protocol.EventUserJoined))
	rejoined := sendsWithEvent(plan, protocol.EventUserRejoined)
	require.Len(t, rejoined, 1)
	assert.Equal(t, SocketID("s-bob"), rejoined[0].To)

	// One membership entry, pinned to the fresh socket.
	members := g.Members("room-1")
	require.Len(t, members, 2)
	var alice *protocol.ParticipantInfo
	for i := range members {
		if members[i].UserID == "alice" {
			require.Nil(t, alice, "alice must appear exactly once")
			alice = &members[i]
		}
	}
	require.NotNil(t, alice)
	assert.Equal(t, "s-new", alice.SocketID)

	socket, ok := g.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, SocketID("s-new"), socket)

	// Count is unchanged.
	counts := sendsWithEvent(plan, protocol.EventParticipantCount)
	require.NotEmpty(t, counts)
	assert.Equal(t, 2, counts[0].Payload)
}

func TestMembersInsertionOrder(t *testing.T) {
	g := New()
	g.Join("room-1", "alice", "s-a", "Alice")
	g.Join("room-1", "bob", "s-b", "Bob")
	g.Join("room-1", "carol", "s-c", "Carol")

	members := g.Members("room-1")
	require.Len(t, members, 3)
	assert.Equal(t, "alice", members[0].UserID)
	assert.Equal(t, "bob", members[1].UserID)
	assert.Equal(t, "carol", members[2].UserID)
}

func TestLeaveUnknownPairIsNoOp(t *testing.T) {
	g := New()
	g.Join("room-1", "alice", "s-a", "Alice")

	assert.Nil(t, g.Leave("room-1", "ghost", "s-g"))
	assert.Nil(t, g.Leave("no-such-room", "alice", "s-a"))
	assert.Len(t, g.Members("room-1"), 1)
}

func TestLeaveLastMemberDestroysRoom(t *testing.T) {
	g := New()
	g.Join("room-1", "alice", "s-a", "Alice")

	plan := g.Leave("room-1", "alice", "s-a")

	assert.Empty(t, plan)
	assert.Equal(t, 0, g.RoomCount())
	assert.Empty(t, g.Members("room-1"))

	_, ok := g.Lookup("alice")
	assert.False(t, ok)
}

func TestLeaveNotifiesRemaining(t *testing.T) {
	g := New()
	g.Join("room-1", "alice", "s-a", "Alice")
	g.Join("room-1", "bob", "s-b", "Bob")
	g.Join("room-1", "carol", "s-c", "Carol")

	plan := g.Leave("room-1", "bob", "s-b")

	left := sendsWithEvent(plan, protocol.EventUserLeft)
	require.Len(t, left, 2)
	for _, s := range left {
		assert.NotEqual(t, SocketID("s-b"), s.To)
		assert.Equal(t, protocol.UserLeft{UserID: "bob"}, s.Payload)
	}

	counts := sendsWithEvent(plan, protocol.EventParticipantCount)
	require.Len(t, counts, 2)
	for _, s := range counts {
		assert.Equal(t, 2, s.Payload)
	}
}

func TestLeaveOnStaleSocketKeepsFreshIndex(t *testing.T) {
	g := New()
	g.Join("room-1", "alice", "s-old", "Alice")
	g.Join("room-1", "alice", "s-new", "Alice")

	// A straggling leave from the old socket must not clobber the
	// index entry the rejoin just wrote.
	g.Leave("room-1", "alice", "s-old")

	socket, ok := g.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, SocketID("s-new"), socket)
}

func TestDisconnectSweepsEveryRoom(t *testing.T) {
	g := New()
	g.Join("room-1", "alice", "s-a", "Alice")
	g.Join("room-1", "bob", "s-b", "Bob")
	g.Join("room-2", "alice", "s-a", "Alice")

	plan := g.Disconnect("s-a")

	// Bob hears the departure; room-2 is destroyed empty.
	left := sendsWithEvent(plan, protocol.EventUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, SocketID("s-b"), left[0].To)

	assert.Equal(t, 1, g.RoomCount())
	assert.Empty(t, g.Members("room-2"))
	assert.Len(t, g.Members("room-1"), 1)

	_, ok := g.Lookup("alice")
	assert.False(t, ok)
	_, ok = g.Lookup("bob")
	assert.True(t, ok)
}

func TestDisconnectUnknownSocket(t *testing.T) {
	g := New()
	g.Join("room-1", "alice", "s-a", "Alice")

	assert.Empty(t, g.Disconnect("s-ghost"))
	assert.Len(t, g.Members("room-1"), 1)
}

func TestDisconnectAfterRejoinLeavesFreshEntryAlone(t *testing.T) {
	g := New()
	g.Join("room-1", "alice", "s-old", "Alice")
	g.Join("room-1", "bob", "s-b", "Bob")
	g.Join("room-1", "alice", "s-new", "Alice")

	// The old socket's disconnect sweep finds no member pinned to it.
	plan := g.Disconnect("s-old")

	assert.Empty(t, plan)
	require.Len(t, g.Members("room-1"), 2)
	socket, ok := g.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, SocketID("s-new"), socket)
}

func TestRouteSignalForwardsOpaquePayload(t *testing.T) {
	g := New()
	g.Join("room-1", "alice", "s-a", "Alice")
	g.Join("room-1", "bob", "s-b", "Bob")

	raw := json.RawMessage(`{"type":"offer","sdp":"v=0\r\n","weird":[1,null]}`)
	plan := g.RouteSignal(protocol.Signal{To: "bob", From: "alice", Signal: raw})

	require.Len(t, plan, 1)
	assert.Equal(t, SocketID("s-b"), plan[0].To)
	assert.Equal(t, protocol.EventSignal, plan[0].Event)

	delivery := plan[0].Payload.(protocol.SignalDelivery)
	assert.Equal(t, "alice", delivery.From)
	assert.Equal(t, []byte(raw), []byte(delivery.Signal), "payload must be relayed byte-identical")
}

func TestRouteSignalUnknownTarget(t *testing.T) {
	g := New()
	g.Join("room-1", "alice", "s-a", "Alice")

	plan := g.RouteSignal(protocol.Signal{To: "ghost", From: "alice", Signal: json.RawMessage(`{}`)})
	assert.Nil(t, plan)
}

func TestRouteSignalSenderOutsideRoomsStillForwards(t *testing.T) {
	g := New()
	g.Join("room-1", "bob", "s-b", "Bob")

	plan := g.RouteSignal(protocol.Signal{To: "bob", From: "stranger", Signal: json.RawMessage(`{}`)})
	require.Len(t, plan, 1)
	assert.Equal(t, SocketID("s-b"), plan[0].To)
}

func TestRelayChatExcludesSender(t *testing.T) {
	g := New()
	g.Join("room-1", "alice", "s-a", "Alice")
	g.Join("room-1", "bob", "s-b", "Bob")
	g.Join("room-1", "carol", "s-c", "Carol")

	msg := protocol.ChatMessage{
		RoomID: "room-1", ID: "m1", SenderID: "alice",
		SenderNickname: "Alice", Content: "hello", Timestamp: 123,
	}
	plan := g.RelayChat(msg, "s-a")

	require.Len(t, plan, 2)
	for _, s := range plan {
		assert.NotEqual(t, SocketID("s-a"), s.To)
		assert.Equal(t, protocol.EventReceiveMessage, s.Event)
		payload := s.Payload.(protocol.ReceiveMessage)
		assert.Equal(t, "hello", payload.Content)
		assert.Equal(t, "alice", payload.SenderID)
		assert.Equal(t, int64(123), payload.Timestamp)
	}
}

func TestRelayChatRejectsInvalid(t *testing.T) {
	g := New()
	g.Join("room-1", "alice", "s-a", "Alice")
	g.Join("room-1", "bob", "s-b", "Bob")

	tests := []struct {
		name string
		msg  protocol.ChatMessage
	}{
		{"empty content", protocol.ChatMessage{RoomID: "room-1", SenderID: "alice"}},
		{"oversized content", protocol.ChatMessage{RoomID: "room-1", SenderID: "alice", Content: string(make([]byte, 1001))}},
		{"missing sender", protocol.ChatMessage{RoomID: "room-1", Content: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, g.RelayChat(tt.msg, "s-a"))
		})
	}
}

func TestRelayChatUnknownRoom(t *testing.T) {
	g := New()
	msg := protocol.ChatMessage{RoomID: "nope", SenderID: "alice", Content: "hi"}
	assert.Nil(t, g.RelayChat(msg, "s-a"))
}

func TestSnapshotRoom(t *testing.T) {
	g := New()
	g.Join("room-1", "alice", "s-a", "Alice")
	g.Join("room-1", "bob", "s-b", "Bob")

	summary, ok := g.SnapshotRoom("room-1")
	require.True(t, ok)
	assert.Equal(t, RoomID("room-1"), summary.RoomID)
	assert.Equal(t, 2, summary.ParticipantCount)
	require.Len(t, summary.Participants, 2)
	assert.Equal(t, UserID("alice"), summary.Participants[0].UserID)

	_, ok = g.SnapshotRoom("missing")
	assert.False(t, ok)
}

// Mirrors a full meeting lifecycle: three users mesh, one drops, the
// survivors keep consistent state.
func TestMeetingLifecycle(t *testing.T) {
	g := New()

	g.Join("standup", "alice", "s-a", "Alice")
	g.Join("standup", "bob", "s-b", "Bob")
	g.Join("standup", "carol", "s-c", "Carol")

	// Signals route between any pair.
	plan := g.RouteSignal(protocol.Signal{To: "carol", From: "alice", Signal: json.RawMessage(`{"type":"offer"}`)})
	require.Len(t, plan, 1)
	assert.Equal(t, SocketID("s-c"), plan[0].To)

	// Bob's transport dies.
	plan = g.Disconnect("s-b")
	left := sendsWithEvent(plan, protocol.EventUserLeft)
	assert.Len(t, left, 2)

	// Signals to Bob now drop; the rest of the room is intact.
	assert.Nil(t, g.RouteSignal(protocol.Signal{To: "bob", From: "alice", Signal: json.RawMessage(`{}`)}))
	require.Len(t, g.Members("standup"), 2)

	// Everyone else leaves; the room disappears.
	g.Leave("standup", "alice", "s-a")
	g.Leave("standup", "carol", "s-c")
	assert.Equal(t, 0, g.RoomCount())
}
