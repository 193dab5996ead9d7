package delivery

import (
	"sync"

	"github.com/wrenmsg/go-wren/ids"
)

// sendQueues serializes sends per conversation. Each conversation gets a
// lazily created FIFO lane retained for the process lifetime; lanes for
// different conversations run fully concurrently. A job chains on the done
// channel of its predecessor in the same lane.
type sendQueues struct {
	lock  sync.Mutex
	tails map[ids.ID]chan struct{}
}

func newSendQueues() *sendQueues {
	return &sendQueues{
		tails: make(map[ids.ID]chan struct{}),
	}
}

// enqueue schedules fn on the conversation's lane and returns a channel
// closed once fn has run. Jobs enqueued for the same conversation run in
// enqueue order, one at a time.
func (q *sendQueues) enqueue(conversationID ids.ID, fn func()) <-chan struct{} {
	q.lock.Lock()
	prev := q.tails[conversationID]
	done := make(chan struct{})
	q.tails[conversationID] = done
	q.lock.Unlock()

	go func() {
		if prev != nil {
			<-prev
		}
		defer close(done)
		fn()
	}()
	return done
}

// drained returns a channel closed once every send enqueued before the call
// has completed. Sends enqueued afterwards are not waited on.
func (q *sendQueues) drained() <-chan struct{} {
	q.lock.Lock()
	tails := make([]chan struct{}, 0, len(q.tails))
	for _, t := range q.tails {
		tails = append(tails, t)
	}
	q.lock.Unlock()

	done := make(chan struct{})
	go func() {
		for _, t := range tails {
			<-t
		}
		close(done)
	}()
	return done
}
