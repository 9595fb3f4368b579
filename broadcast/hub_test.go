package broadcast_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sqlite3vfs/idb/broadcast"
)

func TestPublishReachesOtherSubscribersNotSender(t *testing.T) {
	hub := broadcast.New()
	a := broadcast.Subscribe(hub, "/test.db", "agent-a", 4)
	b := broadcast.Subscribe(hub, "/test.db", "agent-b", 4)
	defer a.Close()
	defer b.Close()

	hub.Publish(broadcast.Message{Channel: "/test.db", TxID: 1, Sender: "agent-a", Payload: []byte("tx1")})

	select {
	case msg := <-b.Receive():
		require.Equal(t, int64(1), msg.TxID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}

	select {
	case <-a.Receive():
		t.Fatal("sender should not receive its own broadcast")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestCloseUnregistersSubscriber(t *testing.T) {
	hub := broadcast.New()
	a := broadcast.Subscribe(hub, "/test.db", "agent-a", 4)
	require.Equal(t, 1, hub.Subscribers("/test.db"))
	a.Close()
	require.Equal(t, 0, hub.Subscribers("/test.db"))
}

func TestChannelsAreIndependent(t *testing.T) {
	hub := broadcast.New()
	a := broadcast.Subscribe(hub, "/a.db", "agent-a", 4)
	b := broadcast.Subscribe(hub, "/b.db", "agent-b", 4)
	defer a.Close()
	defer b.Close()

	hub.Publish(broadcast.Message{Channel: "/a.db", TxID: 1, Sender: "other"})

	select {
	case <-b.Receive():
		t.Fatal("message published on /a.db leaked to /b.db subscriber")
	case <-time.After(10 * time.Millisecond):
	}
}
