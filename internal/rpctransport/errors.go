// Package rpctransport implements the streaming half of the RPC substrate
// that the rest of azsync-server treats as a given: server streams (a call
// whose server side produces an ordered sequence of frames until either
// side closes) with a per-stream heartbeat of configurable timeout.
// Request/reply calls are not part of this package; the HTTP handlers
// answer them with a plain JSON body.
//
// Streams are realized as long-lived chunked HTTP responses carrying
// newline-delimited JSON frames.
package rpctransport

import "errors"

// ErrStreamClosed is returned to a handler when the client closed its half
// of the stream (or disconnected cleanly). It is not user-visible; callers
// treat it as a normal release.
var ErrStreamClosed = errors.New("rpctransport: stream closed by peer")

// ErrHeartbeatTimeout is returned to a handler when a keepalive write did
// not complete before the stream's heartbeat deadline, meaning the peer is
// presumed gone.
var ErrHeartbeatTimeout = errors.New("rpctransport: heartbeat timeout")

// ErrUnexpectedClose is returned when the underlying connection ended
// without either a clean client close or a heartbeat timeout being
// observable. Handlers log it at warning level and otherwise treat it like
// a normal release; it exists to surface substrate bugs, not client bugs.
var ErrUnexpectedClose = errors.New("rpctransport: unexpected stream close")
