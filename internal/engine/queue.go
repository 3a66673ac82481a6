package engine

import (
	"sync"

	"github.com/Misty4119/nds-api/internal/ir"
)

// NoticeKind says what produced a Notice.
type NoticeKind int

const (
	// NoticeCommit follows a local commit.
	NoticeCommit NoticeKind = iota + 1
	// NoticeSync follows a sync round that appended remote events.
	NoticeSync
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeCommit:
		return "commit"
	case NoticeSync:
		return "sync"
	}
	return "unknown"
}

// Notice reports that new events reached the store.
type Notice struct {
	Kind          NoticeKind
	Origin        ir.OriginID
	TransactionID string
	Peer          string
	Events        int
}

// noticeQueue is an unbounded FIFO between store writers and the node
// loop. Commit listeners must not block, so Enqueue never waits.
//
// signal has a buffer of one: many enqueues between two waits coalesce
// into one wake-up and the loop drains with TryDequeue.
type noticeQueue struct {
	mu      sync.Mutex
	notices []Notice
	closed  bool
	signal  chan struct{}
}

func newNoticeQueue() *noticeQueue {
	return &noticeQueue{
		notices: make([]Notice, 0, 64),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue appends n. It returns false once the queue is closed.
func (q *noticeQueue) Enqueue(n Notice) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.notices = append(q.notices, n)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front notice without blocking.
func (q *noticeQueue) TryDequeue() (Notice, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.notices) == 0 {
		return Notice{}, false
	}
	n := q.notices[0]
	q.notices[0] = Notice{}
	if len(q.notices) == 1 {
		q.notices = q.notices[:0]
	} else {
		q.notices = q.notices[1:]
	}
	return n, true
}

// Wait signals that notices may be available. It is closed by Close.
func (q *noticeQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *noticeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.notices)
}

// Close rejects further notices and wakes the loop.
func (q *noticeQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
