package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func testHub(t *testing.T, cfg HubConfig) (*Hub, string) {
	t.Helper()
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = logging.LogLevelError
	cfg.LoggerFactory = lf
	h := NewHub(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func join(t *testing.T, url, room, id string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?room="+room+"&id="+id, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func nothing(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHubStampsSender(t *testing.T) {
	h, url := testHub(t, HubConfig{})
	a := join(t, url, "lab", "a")
	b := join(t, url, "lab", "b")
	require.Eventually(t, func() bool { return len(h.Rooms()["lab"]) == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"from":"mallory","subject":"reload"}`)))
	got := read(t, b)
	assert.Equal(t, "a", gjson.GetBytes(got, "from").String())
	assert.Equal(t, "reload", gjson.GetBytes(got, "subject").String())
}

func TestHubRoutesByRoomAndTarget(t *testing.T) {
	h, url := testHub(t, HubConfig{})
	a := join(t, url, "lab", "a")
	b := join(t, url, "lab", "b")
	c := join(t, url, "lab", "c")
	other := join(t, url, "attic", "d")
	require.Eventually(t, func() bool {
		r := h.Rooms()
		return len(r["lab"]) == 3 && len(r["attic"]) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"to":"c","subject":"webrtc-signal","body":{}}`)))
	got := read(t, c)
	assert.Equal(t, "webrtc-signal", gjson.GetBytes(got, "subject").String())
	nothing(t, b)
	nothing(t, other)
	nothing(t, a)
}

func TestHubDropsMessagesWithoutSubject(t *testing.T) {
	h, url := testHub(t, HubConfig{})
	a := join(t, url, "lab", "a")
	b := join(t, url, "lab", "b")
	require.Eventually(t, func() bool { return len(h.Rooms()["lab"]) == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"body":1}`)))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`garbage`)))
	nothing(t, b)
}

func TestHubReplacesDuplicateParticipant(t *testing.T) {
	h, url := testHub(t, HubConfig{})
	first := join(t, url, "lab", "a")
	require.Eventually(t, func() bool { return len(h.Rooms()["lab"]) == 1 }, 2*time.Second, 5*time.Millisecond)
	join(t, url, "lab", "a")

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "old connection is closed")
	assert.Equal(t, []string{"a"}, h.Rooms()["lab"])
}

func TestHubRejects(t *testing.T) {
	_, url := testHub(t, HubConfig{Secret: "k"})

	_, resp, err := websocket.DefaultDialer.Dial(url+"?room=lab", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?room=lab&id=a&token=nope", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := IssueToken("k", "a", time.Minute)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(url+"?room=lab&id=a&token="+token, nil)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestVerifyToken(t *testing.T) {
	token, err := IssueToken("k", "station", time.Minute)
	require.NoError(t, err)
	assert.NoError(t, VerifyToken("k", token, "station"))
	assert.ErrorIs(t, VerifyToken("k", token, "viewer"), ErrBadToken)
	assert.ErrorIs(t, VerifyToken("other", token, "station"), ErrBadToken)
	assert.ErrorIs(t, VerifyToken("k", "", "station"), ErrBadToken)

	expired, err := IssueToken("k", "station", -time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyToken("k", expired, "station"), ErrBadToken)
}
