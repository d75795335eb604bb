package server

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Connerlevi/asyncga/internal/wire"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	l, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return l.Sugar()
}

func TestTokenBucketAllowsUpToRPMThenBlocks(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tb := NewTokenBucket(3)
	tb.SetNow(func() time.Time { return now })
	for i := 0; i < 3; i++ {
		if ok, _, _ := tb.Allow("worker-1"); !ok {
			t.Fatalf("expected request %d to be allowed", i)
		}
	}
	if ok, _, _ := tb.Allow("worker-1"); ok {
		t.Fatalf("expected 4th request within the same minute to be blocked")
	}
	now = now.Add(time.Minute + time.Second)
	if ok, _, _ := tb.Allow("worker-1"); !ok {
		t.Fatalf("expected request to be allowed again after the window resets")
	}
}

func TestTokenBucketTracksAddressesIndependently(t *testing.T) {
	tb := NewTokenBucket(1)
	if ok, _, _ := tb.Allow("a"); !ok {
		t.Fatalf("expected first request from a to be allowed")
	}
	if ok, _, _ := tb.Allow("b"); !ok {
		t.Fatalf("expected first request from b to be allowed independently of a")
	}
	if ok, _, _ := tb.Allow("a"); ok {
		t.Fatalf("expected second request from a to be blocked")
	}
}

func TestSessionDedupAllowsOneOutstandingRequest(t *testing.T) {
	d := newSessionDedup()
	if !d.TryMark("sess-1") {
		t.Fatalf("expected first mark to succeed")
	}
	if d.TryMark("sess-1") {
		t.Fatalf("expected second mark for the same session to be rejected while outstanding")
	}
	d.Clear("sess-1")
	if !d.TryMark("sess-1") {
		t.Fatalf("expected mark to succeed again after Clear")
	}
}

func TestDispatchGenomeRequestRespectsDedup(t *testing.T) {
	s := New(testLogger(t), []byte("<xml/>"), 1, nil)
	sess := &session{id: "sess-1"}
	s.sessions[sess.id] = sess

	req := wire.NewRequest(wire.CmdRequestGenome, 1, 0, 0, 0, 0)
	s.dispatch(sess, req)
	if s.GenomeRequestQueueLen() != 1 {
		t.Fatalf("expected one queued genome request, got %d", s.GenomeRequestQueueLen())
	}
	s.dispatch(sess, req) // duplicate while outstanding
	if s.GenomeRequestQueueLen() != 1 {
		t.Fatalf("expected duplicate request to be ignored, queue len=%d", s.GenomeRequestQueueLen())
	}

	gr, ok := s.NextGenomeRequest()
	if !ok || gr.SessionID != sess.id {
		t.Fatalf("expected to pop the queued request for session %s", sess.id)
	}
	s.ResolveSession(sess.id)
	s.dispatch(sess, req)
	if s.GenomeRequestQueueLen() != 1 {
		t.Fatalf("expected a fresh request to be accepted after ResolveSession, got %d", s.GenomeRequestQueueLen())
	}
}

func TestDispatchScoreDoesNotDedup(t *testing.T) {
	s := New(testLogger(t), []byte("<xml/>"), 1, nil)
	sess := &session{id: "sess-1"}
	s.sessions[sess.id] = sess

	req := wire.NewRequest(wire.CmdScore, 1, 0, 0, 0, 42.0)
	s.dispatch(sess, req)
	s.dispatch(sess, req)
	if s.ScoreQueueLen() != 2 {
		t.Fatalf("expected both score reports to be queued, got %d", s.ScoreQueueLen())
	}
}

func TestDisableGenomeRequestsStopsEnqueue(t *testing.T) {
	s := New(testLogger(t), []byte("<xml/>"), 1, nil)
	sess := &session{id: "sess-1"}
	s.sessions[sess.id] = sess
	s.DisableGenomeRequests()

	s.dispatch(sess, wire.NewRequest(wire.CmdRequestGenome, 1, 0, 0, 0, 0))
	s.dispatch(sess, wire.NewRequest(wire.CmdScore, 1, 0, 0, 0, 1))
	if s.GenomeRequestQueueLen() != 0 || s.ScoreQueueLen() != 0 {
		t.Fatalf("expected no frames to be enqueued once disabled")
	}
}

func TestClearQueuesEmptiesBoth(t *testing.T) {
	s := New(testLogger(t), []byte("<xml/>"), 1, nil)
	sess := &session{id: "sess-1"}
	s.sessions[sess.id] = sess
	s.dispatch(sess, wire.NewRequest(wire.CmdScore, 1, 0, 0, 0, 1))
	s.ClearQueues()
	if s.ScoreQueueLen() != 0 {
		t.Fatalf("expected ClearQueues to empty the score queue")
	}
}
