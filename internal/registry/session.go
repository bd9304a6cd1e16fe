package registry

import (
	"sync"
	"time"

	"github.com/suwandre/arbiter/internal/liquidation"
)

// FrameKind is the SSE event name (§6 "Stream wire format").
type FrameKind string

const (
	FrameConnected   FrameKind = "connected"
	FrameLiquidation FrameKind = "liquidation"
	FrameHeartbeat   FrameKind = "heartbeat"
	FrameError       FrameKind = "error"
	FrameTruncated   FrameKind = "truncated"
)

// Frame is one SSE record: optional id, an event kind, and a JSON payload.
type Frame struct {
	ID   *int64
	Kind FrameKind
	Data []byte
}

// sessionBufferSize is the minimum session buffer; Attach sizes each buffer
// at the larger of this and MissedDataLimit + sessionControlSlack. A session
// whose buffer is full is considered a slow consumer and dropped (§5 "a slow
// writer must be detected ... and the session dropped rather than backing up
// the fan-out").
const sessionBufferSize = 64

// sessionControlSlack is buffer headroom reserved for the connected and
// truncated control frames alongside a full resume replay.
const sessionControlSlack = 4

// Session is one attached live-stream connection (§3 "Subscriber session").
type Session struct {
	ID            string
	Filter        liquidation.Filter
	IP            string
	ConnectedAt   time.Time

	frames chan Frame
	done   chan struct{}

	mu          sync.Mutex
	lastEventID int64
	closed      bool
}

func newSession(id, ip string, filter liquidation.Filter, resumeFrom int64, bufSize int) *Session {
	return &Session{
		ID:          id,
		Filter:      filter,
		IP:          ip,
		ConnectedAt: time.Now(),
		frames:      make(chan Frame, bufSize),
		done:        make(chan struct{}),
		lastEventID: resumeFrom,
	}
}

// Frames is the channel the owning HTTP handler drains to write SSE records.
// It is never closed (enqueue and close share a lock, see below); the
// handler must select on Done alongside it to know when to stop.
func (s *Session) Frames() <-chan Frame {
	return s.frames
}

// Done signals the handler to stop.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// LastEventID is the last tid delivered to this session (I3: non-decreasing).
func (s *Session) LastEventID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

func (s *Session) setLastEventID(id int64) {
	s.mu.Lock()
	if id > s.lastEventID {
		s.lastEventID = id
	}
	s.mu.Unlock()
}

// enqueue attempts a non-blocking send of a frame; returns false if the
// session's buffer is full (slow consumer) or the session has already been
// closed, so the caller can drop it without blocking the broadcaster (§5).
// Holds the same lock as close so a send can never race a channel close.
func (s *Session) enqueue(f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

// close is idempotent (§4.6 "detach(sessionId): idempotent"). It never
// closes frames itself: Done is the sole termination signal, so a
// concurrent enqueue can never panic on a closed channel.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
