package relay

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisPair(t *testing.T) (*RedisRelay, *RedisRelay) {
	t.Helper()
	mr := miniredis.RunT(t)
	open := func(id string) *RedisRelay {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		r, err := NewRedisRelay(context.Background(), RedisConfig{
			Client: client, Room: "lab", ID: id, LoggerFactory: quietLogs(),
		})
		require.NoError(t, err)
		return r
	}
	return open("station"), open("viewer-1")
}

func TestRedisRelayDelivers(t *testing.T) {
	station, viewer := redisPair(t)
	defer station.Close()
	defer viewer.Close()
	atStation, atViewer := listen(station), listen(viewer)
	ctx := context.Background()

	require.NoError(t, viewer.Send(ctx, SubjectRequestStream, nil))
	msgs := atStation.waitFor(t, 1)
	assert.Equal(t, "viewer-1", msgs[0].From)

	require.NoError(t, station.Send(ctx, SubjectSignal, map[string]string{
		"type": "answer", "sdp": "v=0", "fromPeerId": "station", "targetPeerId": "viewer-1",
	}))
	msgs = atViewer.waitFor(t, 1)
	assert.Equal(t, SubjectSignal, msgs[0].Subject)
	assert.Len(t, atStation.list(), 1, "no echo of own messages")
}

func TestRedisRelayPresence(t *testing.T) {
	station, viewer := redisPair(t)
	defer station.Close()
	ctx := context.Background()

	members, err := station.Members(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"station", "viewer-1"}, members)

	require.NoError(t, viewer.Close())
	members, err = station.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"station"}, members)
}

func TestRedisRelayNeedsClient(t *testing.T) {
	_, err := NewRedisRelay(context.Background(), RedisConfig{ID: "x"})
	assert.Error(t, err)
}
