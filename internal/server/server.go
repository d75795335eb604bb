// Package server implements the session layer described in spec §4.7:
// a TCP accept loop, one goroutine per worker session reading
// length-prefixed frames, and two concurrent FIFO queues bridging those
// sessions to the single-threaded GA core loop.
package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Connerlevi/asyncga/internal/wire"
)

// GenomeRequest is one req_gen_ frame waiting on the genome-request queue.
type GenomeRequest struct {
	SessionID string
	Request   *wire.RequestMessage
}

// ScoreReport is one score___ frame waiting on the score queue.
type ScoreReport struct {
	SessionID string
	Request   *wire.RequestMessage
}

// queue is a concurrent FIFO with mutex-guarded push/pop, per spec §4.7.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, v)
}

func (q *queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue[T]) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

type session struct {
	id         string
	conn       net.Conn
	writeMu    sync.Mutex
	closed     atomic.Bool
	senderIP   uint32
	senderPort uint32
}

func (s *session) write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.WriteFrame(s.conn, frame)
}

// Server owns the TCP listener, the live session table, the genome
// request/score queues, and the shared XML model blob every session
// needs to answer req_xml_ with.
type Server struct {
	log    *zap.SugaredLogger
	xmlBlob []byte
	md5Tag  [4]uint32

	evolveIdentifier uint64

	rateLimiter RateLimiter
	dedup       *sessionDedup

	mu          sync.Mutex
	sessions    map[string]*session
	genomeQueue *queue[GenomeRequest]
	scoreQueue  *queue[ScoreReport]
	enabled     atomic.Bool
}

// New builds a Server for the given shared XML model blob and
// evolveIdentifier (the run's start time, used to detect stale scores).
func New(log *zap.SugaredLogger, xmlBlob []byte, evolveIdentifier uint64, rateLimiter RateLimiter) *Server {
	s := &Server{
		log:              log,
		xmlBlob:          xmlBlob,
		md5Tag:           wire.MD5Tag(xmlBlob),
		evolveIdentifier: evolveIdentifier,
		rateLimiter:      rateLimiter,
		dedup:            newSessionDedup(),
		sessions:         make(map[string]*session),
		genomeQueue:      &queue[GenomeRequest]{},
		scoreQueue:       &queue[ScoreReport]{},
	}
	s.enabled.Store(true)
	return s
}

// Serve listens on port and runs the accept loop until ctx is cancelled
// or the listener errors. Each accepted connection gets its own read
// goroutine; writes are serialised per session.
func (s *Server) Serve(ctx context.Context, port int) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Infow("server listening", "port", port)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go s.handleSession(ctx, conn)
	}
}

func (s *Server) handleSession(ctx context.Context, conn net.Conn) {
	sess := s.newSession(conn)
	defer s.dropSession(sess)

	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			s.log.Debugw("session closed", "sessionID", sess.id, "err", err)
			return
		}
		req, err := wire.DecodeRequest(frame)
		if err != nil {
			s.log.Warnw("protocol error: malformed request frame", "sessionID", sess.id, "err", err)
			continue
		}
		if s.rateLimiter != nil {
			addr := conn.RemoteAddr().String()
			if ok, _, _ := s.rateLimiter.Allow(addr); !ok {
				s.log.Warnw("rate limit exceeded, dropping frame", "sessionID", sess.id, "addr", addr)
				continue
			}
		}
		s.dispatch(sess, req)
	}
}

func (s *Server) newSession(conn net.Conn) *session {
	ip, port := addrParts(conn.RemoteAddr())
	sess := &session{id: uuid.NewString(), conn: conn, senderIP: ip, senderPort: port}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *Server) dropSession(sess *session) {
	sess.closed.Store(true)
	sess.conn.Close()
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.dedup.Clear(sess.id)
}

// AddressString renders an IPv4 address held as a big-endian
// (network-order) uint32, as addrParts produces it, and a port in
// dotted-quad form for log lines, e.g. 0x0a000001 and 9000 give
// "10.0.0.1:9000".
func AddressString(ip, port uint32) string {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, ip)
	return fmt.Sprintf("%d.%d.%d.%d:%d", b[0], b[1], b[2], b[3], port)
}

func addrParts(addr net.Addr) (uint32, uint32) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok || tcpAddr.IP.To4() == nil {
		return 0, 0
	}
	ip4 := tcpAddr.IP.To4()
	return binary.BigEndian.Uint32(ip4), uint32(tcpAddr.Port)
}

func (s *Server) dispatch(sess *session, req *wire.RequestMessage) {
	switch req.Command() {
	case wire.CmdRequestXML:
		frame := wire.NewXMLFrame(s.evolveIdentifier, sess.senderIP, sess.senderPort, s.xmlBlob, s.md5Tag).Encode()
		if err := sess.write(frame); err != nil {
			s.log.Warnw("write xml frame failed, session dropped", "sessionID", sess.id, "err", err)
		}
	case wire.CmdRequestGenome:
		if !s.enabled.Load() {
			return
		}
		if !s.dedup.TryMark(sess.id) {
			return // already has an outstanding request; silently deduplicated
		}
		s.genomeQueue.push(GenomeRequest{SessionID: sess.id, Request: req})
	case wire.CmdScore:
		if !s.enabled.Load() {
			return
		}
		s.scoreQueue.push(ScoreReport{SessionID: sess.id, Request: req})
	default:
		s.log.Warnw("protocol error: unrecognised command", "sessionID", sess.id, "command", req.Command())
	}
}

// NextGenomeRequest pops one queued genome request, if any.
func (s *Server) NextGenomeRequest() (GenomeRequest, bool) { return s.genomeQueue.pop() }

// NextScore pops one queued score report, if any.
func (s *Server) NextScore() (ScoreReport, bool) { return s.scoreQueue.pop() }

// GenomeRequestQueueLen and ScoreQueueLen expose queue depth for stats.
func (s *Server) GenomeRequestQueueLen() int { return s.genomeQueue.len() }
func (s *Server) ScoreQueueLen() int         { return s.scoreQueue.len() }

// ClearQueues empties both queues, called on shutdown per spec §4.8.
func (s *Server) ClearQueues() {
	s.genomeQueue.clear()
	s.scoreQueue.clear()
}

// DisableGenomeRequests stops new req_gen_/score___ frames from being
// enqueued; called once the GA loop begins its exit sequence.
func (s *Server) DisableGenomeRequests() { s.enabled.Store(false) }

// ResolveSession marks a session's outstanding request as serviced (it
// may now submit another) and returns whether it is still connected.
func (s *Server) ResolveSession(sessionID string) bool {
	s.dedup.Clear(sessionID)
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	return ok && !sess.closed.Load()
}

// SendGenome writes a genome data frame to the named session. If the
// session has closed, the write is dropped and logged; the caller's
// runID is still considered consumed (spec §4.8 step 3).
func (s *Server) SendGenome(sessionID string, runID uint32, genes []float64) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		s.log.Warnw("dropping genome dispatch: session gone", "sessionID", sessionID, "runID", runID)
		return
	}
	frame := wire.NewGenomeFrame(s.evolveIdentifier, sess.senderIP, sess.senderPort, runID, genes, s.md5Tag).Encode()
	if err := sess.write(frame); err != nil {
		s.log.Warnw("dropping genome dispatch: write failed", "sessionID", sessionID, "runID", runID, "err", err)
	}
}

// EvolveIdentifier returns the run's stale-detection identifier.
func (s *Server) EvolveIdentifier() uint64 { return s.evolveIdentifier }
