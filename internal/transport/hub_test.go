package transport

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestClient() *client {
	return &client{id: uuid.New(), send: make(chan []byte, sendBuffer)}
}

func TestEmitToUserRoutesToAllConnections(t *testing.T) {
	hub := NewHub(zap.NewNop())

	c1 := newTestClient()
	c2 := newTestClient()
	hub.register(c1)
	hub.register(c2)
	hub.bind(c1, 1)
	hub.bind(c2, 1)

	hub.EmitToUser(1, "typing", typingEvent{From: 2, To: 1})

	assert.Len(t, c1.send, 1)
	assert.Len(t, c2.send, 1)

	// No connections for user 2: emitting is a no-op.
	hub.EmitToUser(2, "typing", typingEvent{From: 1, To: 2})
}

func TestEmitAfterRemoveIsDropped(t *testing.T) {
	hub := NewHub(zap.NewNop())

	c := newTestClient()
	hub.register(c)
	hub.bind(c, 1)
	hub.remove(c)

	// Neither path may touch the closed channel.
	hub.EmitToUser(1, "typing", typingEvent{From: 2, To: 1})
	hub.emitTo(c, "error", errorEvent{Message: "late"})

	_, open := <-c.send
	assert.False(t, open, "send channel closed exactly once by remove")
}

func TestRemoveIdempotent(t *testing.T) {
	hub := NewHub(zap.NewNop())

	c := newTestClient()
	hub.register(c)
	hub.bind(c, 1)

	hub.remove(c)
	hub.remove(c) // second remove must not close the channel again
}

// Emits racing a disconnecting client must never send on the closed
// channel. Run with -race.
func TestEmitRacingRemove(t *testing.T) {
	hub := NewHub(zap.NewNop())

	c := newTestClient()
	hub.register(c)
	hub.bind(c, 1)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.EmitToUser(1, "receive_message", errorEvent{Message: "payload"})
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.remove(c)
	}()
	wg.Wait()

	hub.mu.Lock()
	_, registered := hub.byID[c.id]
	hub.mu.Unlock()
	assert.False(t, registered)
}
