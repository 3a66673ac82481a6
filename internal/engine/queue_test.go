package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoticeQueue_FIFO(t *testing.T) {
	q := newNoticeQueue()
	for _, tx := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(Notice{Kind: NoticeCommit, TransactionID: tx}))
	}

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got.TransactionID)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestNoticeQueue_SignalsCoalesce(t *testing.T) {
	q := newNoticeQueue()
	q.Enqueue(Notice{Kind: NoticeSync})
	q.Enqueue(Notice{Kind: NoticeSync})

	select {
	case <-q.Wait():
	default:
		t.Fatal("expected a pending signal")
	}
	select {
	case <-q.Wait():
		t.Fatal("signals should coalesce")
	default:
	}
	assert.Equal(t, 2, q.Len())
}

func TestNoticeQueue_Close(t *testing.T) {
	q := newNoticeQueue()

	done := make(chan struct{})
	go func() {
		<-q.Wait()
		close(done)
	}()
	q.Close()
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close did not wake the waiter")
	}
	assert.False(t, q.Enqueue(Notice{Kind: NoticeCommit}), "enqueue after close should return false")
}

func TestNoticeQueue_ThreadSafe(t *testing.T) {
	q := newNoticeQueue()
	const producers, each = 8, 100

	var wg sync.WaitGroup
	for range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				q.Enqueue(Notice{Kind: NoticeCommit})
			}
		}()
	}
	wg.Wait()

	n := 0
	for {
		if _, ok := q.TryDequeue(); !ok {
			break
		}
		n++
	}
	assert.Equal(t, producers*each, n)
}

func TestNoticeKind_String(t *testing.T) {
	assert.Equal(t, "commit", NoticeCommit.String())
	assert.Equal(t, "sync", NoticeSync.String())
	assert.Equal(t, "unknown", NoticeKind(0).String())
}
