package delivery

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wrenmsg/go-wren/ids"
)

func TestQueueFIFOPerConversation(t *testing.T) {
	q := newSendQueues()
	conversationID := ids.NewID()

	var lock sync.Mutex
	var order []int
	var last <-chan struct{}
	for i := 0; i != 100; i++ {
		i := i
		last = q.enqueue(conversationID, func() {
			lock.Lock()
			defer lock.Unlock()
			order = append(order, i)
		})
	}
	<-last

	require.Len(t, order, 100)
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestQueueConversationsIndependent(t *testing.T) {
	q := newSendQueues()
	blocked := make(chan struct{})

	q.enqueue(ids.NewID(), func() {
		<-blocked
	})
	ran := q.enqueue(ids.NewID(), func() {})

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("independent conversation blocked behind another lane")
	}
	close(blocked)
}

func TestQueueDrained(t *testing.T) {
	q := newSendQueues()
	release := make(chan struct{})
	var done bool
	var lock sync.Mutex

	q.enqueue(ids.NewID(), func() {
		<-release
		lock.Lock()
		done = true
		lock.Unlock()
	})

	drained := q.drained()
	select {
	case <-drained:
		t.Fatal("drained before enqueued send completed")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("drained never resolved")
	}
	lock.Lock()
	require.True(t, done)
	lock.Unlock()
}
