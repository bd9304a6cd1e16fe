// Package registry implements the Subscriber Registry (§4.6): the
// per-process, in-memory set of attached SSE sessions, admission control,
// filtered local fan-out, heartbeats, and resume replay. It is the sole
// mutator of session state (§5).
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/suwandre/arbiter/internal/apperr"
	"github.com/suwandre/arbiter/internal/broadcast"
	"github.com/suwandre/arbiter/internal/liquidation"
	"github.com/suwandre/arbiter/internal/observability"
)

// WindowSource supplies the in-memory rolling window for resume replay
// without a further upstream round-trip (§4.6 "Resume replay").
type WindowSource interface {
	RecentWindow() []liquidation.Event
}

// Config carries the admission limits (§6.1 env vars). The heartbeat
// cadence itself is owned by the caller's ticker, not the registry.
type Config struct {
	MaxTotalSessions int
	MaxSessionsPerIP int
	MissedDataLimit  int
}

// Registry is the per-process subscriber set, not shared across instances.
type Registry struct {
	cfg     Config
	window  WindowSource
	metrics *observability.Metrics
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	byIP     map[string]int
}

func New(cfg Config, window WindowSource, metrics *observability.Metrics, log zerolog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		window:   window,
		metrics:  metrics,
		log:      log,
		sessions: make(map[string]*Session),
		byIP:     make(map[string]int),
	}
}

// Attach admits a new session under the total/per-IP caps (§4.6 attach).
// resumeFromID of 0 means no resume point.
func (r *Registry) Attach(ctx context.Context, ip string, filter liquidation.Filter, resumeFromID int64) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if len(r.sessions) >= r.cfg.MaxTotalSessions {
		r.mu.Unlock()
		r.metrics.SessionsRejected.WithLabelValues("total_limit").Inc()
		return nil, apperr.New(apperr.KindAdmissionDenied, "total session limit reached")
	}
	if r.byIP[ip] >= r.cfg.MaxSessionsPerIP {
		r.mu.Unlock()
		r.metrics.SessionsRejected.WithLabelValues("per_ip_limit").Inc()
		return nil, apperr.New(apperr.KindAdmissionDenied, "per-IP session limit reached")
	}

	bufSize := r.cfg.MissedDataLimit + sessionControlSlack
	if bufSize < sessionBufferSize {
		bufSize = sessionBufferSize
	}
	sess := newSession(uuid.New().String(), ip, filter, resumeFromID, bufSize)
	r.sessions[sess.ID] = sess
	r.byIP[ip]++
	r.mu.Unlock()

	r.metrics.SessionsAdmitted.Inc()
	r.metrics.SessionsActive.Set(float64(r.Count()))

	connected, _ := json.Marshal(map[string]string{"sessionId": sess.ID})
	sess.enqueue(Frame{Kind: FrameConnected, Data: connected})

	if resumeFromID > 0 {
		r.replay(sess, resumeFromID)
	}
	return sess, nil
}

// Detach removes a session; idempotent (§4.6 detach).
func (r *Registry) Detach(sessionID string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
		r.byIP[sess.IP]--
		if r.byIP[sess.IP] <= 0 {
			delete(r.byIP, sess.IP)
		}
	}
	r.mu.Unlock()

	if ok {
		sess.close()
		r.metrics.SessionsActive.Set(float64(r.Count()))
	}
}

// Count is the number of currently attached sessions on this process.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// UniqueIPs is the number of distinct source IPs currently attached.
func (r *Registry) UniqueIPs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byIP)
}

// BroadcastLocal fans a new-events batch out to every attached session on
// this process, applying each session's filter and respecting I5/P4
// (invoked by the broadcast.Bus subscriber loop, §4.6 "broadcastLocal").
func (r *Registry) BroadcastLocal(msg broadcast.Message) {
	events := make([]liquidation.Event, len(msg.Events))
	copy(events, msg.Events)
	sort.Slice(events, func(i, j int) bool { return events[i].TID < events[j].TID })

	r.mu.Lock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	var dropped []string
	for _, sess := range targets {
		delivered := 0
		for _, e := range events {
			if e.TID <= sess.LastEventID() {
				continue
			}
			if !sess.Filter.Match(e) {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			id := e.TID
			if !sess.enqueue(Frame{ID: &id, Kind: FrameLiquidation, Data: data}) {
				dropped = append(dropped, sess.ID)
				break
			}
			sess.setLastEventID(e.TID)
			delivered++
		}
		if delivered > 0 {
			r.metrics.BroadcastDelivered.Add(float64(delivered))
		}
	}

	for _, id := range dropped {
		r.metrics.BroadcastDropped.Inc()
		r.Detach(id)
	}
}

// HeartbeatTick writes a heartbeat control frame to every attached session,
// dropping any session whose buffer is already full (§4.6 heartbeatTick).
func (r *Registry) HeartbeatTick() {
	r.mu.Lock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	payload, _ := json.Marshal(map[string]int64{"ts": time.Now().UnixMilli()})
	for _, sess := range targets {
		if !sess.enqueue(Frame{Kind: FrameHeartbeat, Data: payload}) {
			r.Detach(sess.ID)
		}
	}
}

// Shutdown closes every attached session with a terminating frame (§4.6
// "Session lifecycle ... process shutdown").
func (r *Registry) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"reason": "shutdown"})
	for _, id := range ids {
		r.mu.Lock()
		sess := r.sessions[id]
		r.mu.Unlock()
		if sess != nil {
			sess.enqueue(Frame{Kind: FrameError, Data: payload})
		}
		r.Detach(id)
	}
}

// replay implements §4.6 "Resume replay": events with tid > resumeFromID,
// ascending, filtered, bounded by MISSED_DATA_LIMIT, not blocking live
// delivery. The session's buffer is sized to hold MISSED_DATA_LIMIT plus
// control frames (see Attach), so this only runs short of delivering
// everything it intended to if the session was detached mid-replay; either
// way a truncated frame is emitted whenever the full missed set didn't land.
func (r *Registry) replay(sess *Session, resumeFromID int64) {
	window := r.window.RecentWindow()
	missed := make([]liquidation.Event, 0)
	for _, e := range window {
		if e.TID > resumeFromID && sess.Filter.Match(e) {
			missed = append(missed, e)
		}
	}
	sort.Slice(missed, func(i, j int) bool { return missed[i].TID < missed[j].TID })

	truncated := len(missed) > r.cfg.MissedDataLimit
	if truncated {
		missed = missed[len(missed)-r.cfg.MissedDataLimit:]
	}

	for _, e := range missed {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		id := e.TID
		if !sess.enqueue(Frame{ID: &id, Kind: FrameLiquidation, Data: data}) {
			truncated = true
			break
		}
		sess.setLastEventID(e.TID)
	}

	if truncated {
		payload, _ := json.Marshal(map[string]int{"limit": r.cfg.MissedDataLimit})
		sess.enqueue(Frame{Kind: FrameTruncated, Data: payload})
	}
}
