package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/n0remac/station-webrtc/websocket"
	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogs() logging.LoggerFactory {
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = logging.LogLevelError
	return lf
}

func startHub(t *testing.T, cfg websocket.HubConfig) (*websocket.Hub, string) {
	t.Helper()
	cfg.LoggerFactory = quietLogs()
	hub := websocket.NewHub(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, id, token string) *WebsocketRelay {
	t.Helper()
	r, err := DialWebsocket(WebsocketConfig{
		URL:            url,
		Room:           "lab",
		ID:             id,
		Token:          token,
		ReconnectDelay: 20 * time.Millisecond,
		LoggerFactory:  quietLogs(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	select {
	case <-r.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("%s never connected", id)
	}
	return r
}

func waitMembers(t *testing.T, hub *websocket.Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(hub.Rooms()["lab"]) == n }, 2*time.Second, 5*time.Millisecond)
}

func TestWebsocketRelayBroadcastAndAddressed(t *testing.T) {
	hub, url := startHub(t, websocket.HubConfig{})
	station := dial(t, url, "station", "")
	v1 := dial(t, url, "viewer-1", "")
	v2 := dial(t, url, "viewer-2", "")
	waitMembers(t, hub, 3)

	atStation, at1, at2 := listen(station), listen(v1), listen(v2)
	ctx := context.Background()

	require.NoError(t, v1.Send(ctx, SubjectRequestStream, nil))
	msgs := atStation.waitFor(t, 1)
	assert.Equal(t, "viewer-1", msgs[0].From)
	assert.Equal(t, SubjectRequestStream, msgs[0].Subject)

	require.NoError(t, station.Send(ctx, SubjectSignal, map[string]string{
		"type": "answer", "sdp": "v=0", "fromPeerId": "station", "targetPeerId": "viewer-2",
	}))
	msgs = at2.waitFor(t, 2)
	assert.Equal(t, SubjectRequestStream, msgs[0].Subject)
	assert.Equal(t, SubjectSignal, msgs[1].Subject)

	require.NoError(t, station.Send(ctx, SubjectCameraChanged, true))
	at1.waitFor(t, 1)
	require.Eventually(t, func() bool { return len(at2.list()) == 3 }, 2*time.Second, 5*time.Millisecond)
	for _, m := range at1.list() {
		assert.NotEqual(t, SubjectSignal, m.Subject, "signal for viewer-2 leaked to viewer-1")
	}
}

func TestWebsocketRelayRequiresToken(t *testing.T) {
	hub, url := startHub(t, websocket.HubConfig{Secret: "s3cret"})
	token, err := websocket.IssueToken("s3cret", "station", time.Minute)
	require.NoError(t, err)
	dial(t, url, "station", token)
	waitMembers(t, hub, 1)

	r, err := DialWebsocket(WebsocketConfig{
		URL: url, Room: "lab", ID: "intruder", Token: token,
		ReconnectDelay: 20 * time.Millisecond, LoggerFactory: quietLogs(),
	})
	require.NoError(t, err)
	defer r.Close()
	select {
	case <-r.Ready():
		t.Fatal("connected with a token issued to someone else")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWebsocketRelaySendAfterClose(t *testing.T) {
	_, url := startHub(t, websocket.HubConfig{})
	r := dial(t, url, "viewer-1", "")
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Send(context.Background(), SubjectReload, nil), ErrClosed)
}
