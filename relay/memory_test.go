package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu   sync.Mutex
	msgs []Message
}

func (in *inbox) add(m Message) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.msgs = append(in.msgs, m)
}

func (in *inbox) list() []Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]Message(nil), in.msgs...)
}

func (in *inbox) waitFor(t *testing.T, n int) []Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(in.list()) >= n }, 2*time.Second, 2*time.Millisecond)
	return in.list()
}

func listen(r Relay) *inbox {
	in := &inbox{}
	r.OnMessage(in.add)
	return in
}

func TestBusDeliversInSendOrder(t *testing.T) {
	bus := NewBus()
	station := bus.Join("station")
	viewer := bus.Join("viewer")
	defer station.Close()
	defer viewer.Close()
	in := listen(viewer)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, station.Send(ctx, SubjectSignal, map[string]int{"n": i}))
	}
	msgs := in.waitFor(t, 20)
	for i, m := range msgs {
		var body map[string]int
		require.NoError(t, m.Decode(&body))
		assert.Equal(t, i, body["n"])
		assert.Equal(t, "station", m.From)
	}
}

func TestBusNeverEchoesToSender(t *testing.T) {
	bus := NewBus()
	a := bus.Join("a")
	b := bus.Join("b")
	defer a.Close()
	defer b.Close()
	fromA := listen(a)
	fromB := listen(b)

	require.NoError(t, a.Send(context.Background(), SubjectRequestStream, nil))
	msgs := fromB.waitFor(t, 1)
	assert.Equal(t, SubjectRequestStream, msgs[0].Subject)
	assert.Empty(t, msgs[0].Body)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, fromA.list())
}

func TestBusDuplicateDelivery(t *testing.T) {
	bus := NewBus()
	bus.SetDuplicate(true)
	a := bus.Join("a")
	b := bus.Join("b")
	defer a.Close()
	defer b.Close()
	in := listen(b)

	require.NoError(t, a.Send(context.Background(), SubjectCameraChanged, true))
	msgs := in.waitFor(t, 2)
	assert.Len(t, msgs, 2)
	assert.Equal(t, msgs[0], msgs[1])
}

func TestBusClosedRelay(t *testing.T) {
	bus := NewBus()
	a := bus.Join("a")
	b := bus.Join("b")
	in := listen(b)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	require.NoError(t, a.Send(context.Background(), SubjectReload, nil))
	assert.ErrorIs(t, b.Send(context.Background(), SubjectReload, nil), ErrClosed)
	require.NoError(t, a.Close())
	assert.Empty(t, in.list())
}

func TestMessageDecode(t *testing.T) {
	var v bool
	assert.ErrorIs(t, Message{Subject: SubjectCameraChanged}.Decode(&v), ErrEmptyBody)
	assert.Error(t, Message{Subject: SubjectCameraChanged, Body: []byte(`{`)}.Decode(&v))
	require.NoError(t, Message{Subject: SubjectCameraChanged, Body: []byte(`true`)}.Decode(&v))
	assert.True(t, v)
}

func TestEnvelopeRouting(t *testing.T) {
	data, err := encode("station", SubjectSignal, map[string]string{
		"type": "offer", "fromPeerId": "station", "targetPeerId": "viewer-1",
	})
	require.NoError(t, err)

	msg, ok := decode("viewer-1", data)
	require.True(t, ok)
	assert.Equal(t, "station", msg.From)
	assert.Equal(t, SubjectSignal, msg.Subject)

	_, ok = decode("viewer-2", data)
	assert.False(t, ok, "addressed to someone else")
	_, ok = decode("station", data)
	assert.False(t, ok, "own message")
	_, ok = decode("viewer-1", []byte("not json"))
	assert.False(t, ok)

	data, err = encode("viewer-1", SubjectRequestStream, nil)
	require.NoError(t, err)
	msg, ok = decode("station", data)
	require.True(t, ok)
	assert.Nil(t, msg.Body)
}
