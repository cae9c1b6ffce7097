package proxy

import (
	"math/rand/v2"
	"slices"

	"github.com/caseload/knockbacksync/assert"
	"github.com/caseload/knockbacksync/oerror"
	"github.com/sandertv/gophertunnel/minecraft/protocol/packet"
	"github.com/sasha-s/go-deadlock"
)

const (
	ackDivider = 1_000
	// maxPendingTicks is the amount of ticks a client may leave acknowledgements unanswered before
	// it is considered unresponsive.
	maxPendingTicks = 200
)

// acknowledgements runs functions once the client has received every packet sent before them. The
// functions added during a tick are batched under one NetworkStackLatency timestamp.
type acknowledgements struct {
	mu deadlock.Mutex

	ticksSinceResponse int64
	current            *ackBatch
	pending            []*ackBatch
}

type ackBatch struct {
	acks      []func()
	timestamp int64
}

func newAcknowledgements() *acknowledgements {
	a := &acknowledgements{}
	a.refresh()
	return a
}

// add adds f to the current batch.
func (a *acknowledgements) add(f func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current.acks = append(a.current.acks, f)
}

// handle runs every batch up to the one with the timestamp the client responded with. It returns
// false if the timestamp was not sent by the proxy, in which case the response belongs to the
// remote server.
func (a *acknowledgements) handle(timestamp int64, orbis bool) bool {
	id := timestamp / ackDivider
	if !orbis {
		id /= ackDivider
	}

	a.mu.Lock()
	index := slices.IndexFunc(a.pending, func(b *ackBatch) bool {
		return b.timestamp == id
	})
	if index == -1 {
		a.mu.Unlock()
		return false
	}
	// Responses arrive in order, so batches sent before the matching one will never be answered.
	batches := a.pending[:index+1]
	a.pending = slices.Clone(a.pending[index+1:])
	a.ticksSinceResponse = 0
	a.mu.Unlock()

	for _, b := range batches {
		assert.IsTrue(b.timestamp != 0, "batch timestamp should never be zero")
		for _, f := range b.acks {
			f()
		}
	}
	return true
}

// tick updates the amount of ticks since the client last responded.
func (a *acknowledgements) tick() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) > 0 {
		a.ticksSinceResponse++
	} else {
		a.ticksSinceResponse = 0
	}
}

// responsive returns true if the client answers acknowledgements.
func (a *acknowledgements) responsive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending) == 0 || a.ticksSinceResponse <= maxPendingTicks
}

// flush moves the current batch to the pending ones and returns the packet to send to the client for
// it, or nil if the batch is empty.
func (a *acknowledgements) flush() *packet.NetworkStackLatency {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.current.acks) == 0 {
		return nil
	}

	pk := &packet.NetworkStackLatency{
		Timestamp:     a.current.timestamp,
		NeedsResponse: true,
	}
	a.pending = append(a.pending, a.current)
	a.refresh()
	return pk
}

// refresh starts a new batch with a random timestamp that is not pending yet. It must be called with
// the mutex held or before the acknowledgements are shared.
func (a *acknowledgements) refresh() {
	a.current = &ackBatch{}
	for i := 0; i < 3; i++ {
		a.current.timestamp = int64(rand.Uint32())
		if a.current.timestamp == 0 {
			continue
		}
		unique := !slices.ContainsFunc(a.pending, func(b *ackBatch) bool {
			return b.timestamp == a.current.timestamp
		})
		if unique {
			return
		}
	}
	panic(oerror.New("unable to find new ack ID after multiple attempts"))
}

// pendingLen returns the amount of batches sent and not answered yet.
func (a *acknowledgements) pendingLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
