package azsyncclient

import (
	"context"
	"net/url"
	"strconv"
)

// Lock is a scoped handle for one named lock: Acquire opens the stream,
// Release closes it (triggering server-side release via stream close).
type Lock struct {
	client *Client
	name   string
	stream *frameStream
}

// Lock returns a handle bound to name. No network call happens until
// Acquire.
func (c *Client) Lock(name string) *Lock {
	return &Lock{client: c, name: name}
}

type acquireResult struct {
	Acquired bool `json:"acquired"`
}

// Acquire opens the get_lock stream and returns the first value. If try is
// true, a false result closes the stream server-side and the handle is
// left usable for a later Acquire call; if false, Acquire blocks (subject
// to ctx) until the lock is granted.
func (l *Lock) Acquire(ctx context.Context, try bool) (bool, error) {
	q := url.Values{"name": {l.name}, "try": {strconv.FormatBool(try)}}
	s, err := l.client.openStream(ctx, "/rpc/lock/get_lock", q)
	if err != nil {
		return false, err
	}
	// Keepalive frames (null data) can arrive while a blocking acquire
	// waits; the result is the first frame that carries data.
	var f wireFrame
	for {
		f, err = s.next()
		if err != nil {
			s.Close()
			return false, err
		}
		if len(f.Data) != 0 && string(f.Data) != "null" {
			break
		}
	}
	var res acquireResult
	if err := decodeData(f.Data, &res); err != nil {
		s.Close()
		return false, err
	}
	if !res.Acquired {
		s.Close()
		return false, nil
	}
	l.stream = s
	return true, nil
}

// Release closes the holding stream, which the server observes as a
// normal release. A no-op if the lock was never acquired (or already
// released).
func (l *Lock) Release() error {
	if l.stream == nil {
		return nil
	}
	err := l.stream.Close()
	l.stream = nil
	return err
}

// Idle consumes one additional stream value (a server keepalive), giving
// long-running holders a way to notice the server is gone without relying
// solely on the transport-level heartbeat. A premature end-of-stream is
// reported as ErrStreamEnded.
func (l *Lock) Idle(ctx context.Context) error {
	if l.stream == nil {
		return ErrStreamEnded
	}
	_, err := l.stream.next()
	return err
}

// IsLocked is the unary lock.is_locked call.
func (c *Client) IsLocked(ctx context.Context, name string) (bool, error) {
	var res struct {
		Locked bool `json:"locked"`
	}
	if err := c.getJSON(ctx, "/rpc/lock/is_locked", url.Values{"name": {name}}, &res); err != nil {
		return false, err
	}
	return res.Locked, nil
}
