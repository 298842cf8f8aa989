package relay

import (
	"context"
	"sync"
)

// Bus is an in-process relay shared by the participants that Join it. Each
// member receives messages on its own goroutine, in send order.
type Bus struct {
	mu        sync.Mutex
	members   map[*BusRelay]struct{}
	duplicate bool
}

func NewBus() *Bus {
	return &Bus{members: make(map[*BusRelay]struct{})}
}

// SetDuplicate makes the bus deliver every message twice.
func (b *Bus) SetDuplicate(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.duplicate = on
}

func (b *Bus) Join(id string) *BusRelay {
	r := &BusRelay{id: id, bus: b, done: make(chan struct{})}
	r.cond = sync.NewCond(&r.mu)
	b.mu.Lock()
	b.members[r] = struct{}{}
	b.mu.Unlock()
	go r.loop()
	return r
}

func (b *Bus) publish(from *BusRelay, msg Message) {
	b.mu.Lock()
	copies := 1
	if b.duplicate {
		copies = 2
	}
	targets := make([]*BusRelay, 0, len(b.members))
	for m := range b.members {
		if m != from && m.id != from.id {
			targets = append(targets, m)
		}
	}
	b.mu.Unlock()

	for _, m := range targets {
		for i := 0; i < copies; i++ {
			m.push(msg)
		}
	}
}

func (b *Bus) leave(r *BusRelay) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, r)
}

// BusRelay is one participant's view of a Bus.
type BusRelay struct {
	id      string
	bus     *Bus
	handler handlerSlot

	mu     sync.Mutex
	cond   *sync.Cond
	inbox  []Message
	closed bool
	done   chan struct{}
}

func (r *BusRelay) ID() string { return r.id }

func (r *BusRelay) Send(ctx context.Context, subject string, body any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	raw, err := marshalBody(body)
	if err != nil {
		return err
	}
	r.bus.publish(r, Message{From: r.id, Subject: subject, Body: raw})
	return nil
}

func (r *BusRelay) OnMessage(fn func(Message)) { r.handler.set(fn) }

func (r *BusRelay) push(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.inbox = append(r.inbox, msg)
	r.cond.Signal()
}

func (r *BusRelay) loop() {
	defer close(r.done)
	r.mu.Lock()
	for {
		for len(r.inbox) == 0 && !r.closed {
			r.cond.Wait()
		}
		if r.closed {
			r.mu.Unlock()
			return
		}
		msg := r.inbox[0]
		r.inbox = r.inbox[1:]
		r.mu.Unlock()
		r.handler.deliver(msg)
		r.mu.Lock()
	}
}

// Close must not be called from the message handler.
func (r *BusRelay) Close() error {
	r.bus.leave(r)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.inbox = nil
	r.cond.Broadcast()
	r.mu.Unlock()
	<-r.done
	return nil
}
