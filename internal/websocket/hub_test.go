package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
)

// serve registers every upgraded connection under ownerID and returns a dial URL.
func serve(t *testing.T, hub *Hub, ownerID string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Register(ownerID, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func newHub(limit int) *Hub {
	log := zerolog.Nop()
	return NewHub(limit, &log)
}

func TestHubPublish(t *testing.T) {
	hub := newHub(5)
	url := serve(t, hub, "owner-1")

	a := dial(t, url)
	b := dial(t, url)
	require.Eventually(t, func() bool { return hub.ActiveConnections("owner-1") == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish("owner-1", models.JobSucceeded{AccountID: "acc", JobID: "job", Processed: 3})
	hub.Publish("someone-else", models.NewMail{AccountID: "other", Folder: "INBOX", Count: 1})

	for _, conn := range []*websocket.Conn{a, b} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)

		event, err := models.UnmarshalEvent(msg)
		require.NoError(t, err)
		assert.Equal(t, "job_succeeded", event.EventType())
		assert.Equal(t, "acc", event.Account())
	}
}

func TestHubConnectionLimit(t *testing.T) {
	hub := newHub(1)
	url := serve(t, hub, "owner-1")

	dial(t, url)
	require.Eventually(t, func() bool { return hub.ActiveConnections("owner-1") == 1 }, 2*time.Second, 10*time.Millisecond)

	extra := dial(t, url)
	require.NoError(t, extra.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := extra.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, 1, hub.ActiveConnections("owner-1"))
}

func TestHubDropsDeadConnections(t *testing.T) {
	hub := newHub(5)
	url := serve(t, hub, "owner-1")

	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.ActiveConnections("owner-1") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())

	// The first writes may land in socket buffers; keep publishing until the hub notices.
	assert.Eventually(t, func() bool {
		hub.Publish("owner-1", models.NewMail{AccountID: "acc", Folder: "INBOX", Count: 1})
		return hub.ActiveConnections("owner-1") == 0
	}, 5*time.Second, 20*time.Millisecond)
}
