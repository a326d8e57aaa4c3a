package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalambet/chatcore/internal/syncqueue"
)

func dialEvents(t *testing.T, q *mockQueue) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(newTestHandler(&mockIndex{}, q, nil))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/queue/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	return conn
}

func readStatus(t *testing.T, conn *websocket.Conn) syncqueue.Status {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var st syncqueue.Status
	if err := conn.ReadJSON(&st); err != nil {
		t.Fatalf("read: %v", err)
	}
	return st
}

func TestQueueEvents_SendsCurrentStatusOnConnect(t *testing.T) {
	q := newMockQueue()
	q.status = syncqueue.Status{PendingCount: 2, FailedCount: 1}
	conn := dialEvents(t, q)

	st := readStatus(t, conn)
	if st.PendingCount != 2 || st.FailedCount != 1 {
		t.Errorf("initial status = %+v", st)
	}
}

func TestQueueEvents_PushesChanges(t *testing.T) {
	q := newMockQueue()
	conn := dialEvents(t, q)
	readStatus(t, conn)

	waitFor(t, func() bool { return q.subscriberCount() == 1 })
	q.publish(syncqueue.Status{PendingCount: 1, IsOnline: true, IsSyncing: true})

	st := readStatus(t, conn)
	if st.PendingCount != 1 || !st.IsOnline || !st.IsSyncing {
		t.Errorf("pushed status = %+v", st)
	}
}

func TestQueueEvents_UnsubscribesOnDisconnect(t *testing.T) {
	q := newMockQueue()
	conn := dialEvents(t, q)
	readStatus(t, conn)
	waitFor(t, func() bool { return q.subscriberCount() == 1 })

	conn.Close()
	waitFor(t, func() bool { return q.subscriberCount() == 0 })
}
