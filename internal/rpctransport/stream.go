package rpctransport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// Stream is the server side of a server-streaming RPC: a sequence of frames
// sent to the client over a chunked HTTP response until the client
// disconnects, a heartbeat lapses, or the handler stops sending.
//
// A Stream is not safe for concurrent Send calls; handlers send from a
// single goroutine, which is the shape every RPC in this package uses.
type Stream struct {
	w       http.ResponseWriter
	bw      *bufio.Writer
	flusher http.Flusher
	rc      *http.ResponseController

	heartbeat time.Duration
	mu        sync.Mutex // guards bw/flusher writes against the keepalive goroutine

	reqCtx context.Context
	cancel context.CancelCauseFunc

	stopKeepalive chan struct{}
	keepaliveDone chan struct{}
}

// frame is the wire shape of one value sent on a stream: a 64-bit sequence
// id, an action tag, and an opaque JSON payload. Non-replication streams
// (lock/slotkeeper acquire) leave Seq at 0 and Action empty; only
// replication "sync" streams populate those fields, per SPEC_FULL.md §4.3.
// Keepalive frames, on any stream, carry neither and have null data.
type frame struct {
	Seq    uint64 `json:"seq,omitempty"`
	Action string `json:"action,omitempty"`
	Data   any    `json:"data"`
}

// NewStream upgrades a Gin-style request/response pair into a server
// stream. heartbeat is the configured per-stream heartbeat timeout; the
// stream writes a keepalive frame every heartbeat/3 and fails the next Send
// with ErrHeartbeatTimeout if a write doesn't land within one full
// heartbeat window.
func NewStream(w http.ResponseWriter, r *http.Request, heartbeat time.Duration) (*Stream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("rpctransport: response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithCancelCause(r.Context())
	s := &Stream{
		w:             w,
		bw:            bufio.NewWriter(w),
		flusher:       flusher,
		rc:            http.NewResponseController(w),
		heartbeat:     heartbeat,
		reqCtx:        ctx,
		cancel:        cancel,
		stopKeepalive: make(chan struct{}),
		keepaliveDone: make(chan struct{}),
	}
	if heartbeat > 0 {
		go s.keepaliveLoop()
	} else {
		close(s.keepaliveDone)
	}
	return s, nil
}

// Context is canceled when the stream ends, for any reason. Callers should
// select on it (or on Done) to learn about client-side closes promptly
// instead of only discovering them on the next failed Send.
func (s *Stream) Context() context.Context { return s.reqCtx }

// Err reports why the stream ended, once Context is canceled. Before that
// it returns nil.
func (s *Stream) Err() error {
	if s.reqCtx.Err() == nil {
		return nil
	}
	return causeOrUnexpected(s.reqCtx)
}

func causeOrUnexpected(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && cause != context.Canceled {
		return cause
	}
	return ErrStreamClosed
}

// keepaliveLoop periodically writes an empty keepalive frame so a dead TCP
// peer that never sends a RST (common behind NAT) is detected within one
// heartbeat window instead of hanging forever.
func (s *Stream) keepaliveLoop() {
	defer close(s.keepaliveDone)
	ticker := time.NewTicker(s.heartbeat / 3)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopKeepalive:
			return
		case <-s.reqCtx.Done():
			return
		case <-ticker.C:
			if err := s.writeFrame(frame{}); err != nil {
				s.cancel(classifyWriteErr(err))
				return
			}
		}
	}
}

// classifyWriteErr distinguishes a write that failed because the heartbeat
// deadline set in writeFrame actually elapsed from any other write failure
// (broken pipe, reset connection, closed writer). Only the former means the
// peer is presumed gone from inactivity; the latter is an ordinary
// unexpected close and must not inflate the timeout counters.
func classifyWriteErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrHeartbeatTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrHeartbeatTimeout
	}
	return ErrUnexpectedClose
}

// Send emits one value on the stream. The dynamic type of v is
// caller-chosen; SPEC_FULL.md fixes it to plain JSON-serializable structs
// (dictionaries, in the source's terms), never an already-encoded blob.
func (s *Stream) Send(v any) error {
	return s.sendFrame(frame{Data: v})
}

// SendFrame emits a replication triple (seq, action, data) as defined in
// SPEC_FULL.md §4.3.
func (s *Stream) SendFrame(seq uint64, action string, data any) error {
	return s.sendFrame(frame{Seq: seq, Action: action, Data: data})
}

func (s *Stream) sendFrame(f frame) error {
	if err := s.reqCtx.Err(); err != nil {
		return causeOrUnexpected(s.reqCtx)
	}
	if err := s.writeFrame(f); err != nil {
		cause := classifyWriteErr(err)
		s.cancel(cause)
		return cause
	}
	return nil
}

func (s *Stream) writeFrame(f frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.heartbeat > 0 {
		if err := s.rc.SetWriteDeadline(time.Now().Add(s.heartbeat)); err != nil {
			// Some writers (e.g. httptest.ResponseRecorder) don't support
			// deadlines; degrade to no heartbeat enforcement rather than fail.
			_ = err
		}
	}

	b, err := sonic.Marshal(f)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.bw.Write(b); err != nil {
		return err
	}
	if err := s.bw.Flush(); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close ends the stream from the server side (used on InternalError paths;
// normal release is just returning from the handler). It is idempotent.
func (s *Stream) Close(cause error) {
	if cause == nil {
		cause = ErrStreamClosed
	}
	s.cancel(cause)
	select {
	case <-s.stopKeepalive:
	default:
		close(s.stopKeepalive)
	}
	<-s.keepaliveDone
}
