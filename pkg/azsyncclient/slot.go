package azsyncclient

import (
	"context"
	"net/url"
	"strconv"
	"time"
)

// postAcquireWait is how long Acquire/Release wait for a matching viewer
// update before giving up non-fatally (SPEC_FULL.md §4.4).
const postAcquireWait = 2 * time.Second

// Slot is a scoped handle for one (obj_id, slot_id) acquisition.
type Slot struct {
	client   *Client
	objID    string
	maxSlots int64
	slotID   string
	stream   *frameStream
	keeper   *Keeper // optional: used to wait for the matching replication update
}

// Slot returns a handle bound to objID/maxSlots. maxSlots is the cap this
// caller believes the object has; if an earlier acquire already created
// the object with a different cap, the server's recorded value wins. The
// mismatch warning lives on Keeper.GetSlotkeeper, which is where a caller
// actually has both values to compare (SPEC_FULL.md §4.2's note).
func (c *Client) Slot(objID string, maxSlots int64) *Slot {
	return &Slot{client: c, objID: objID, maxSlots: maxSlots}
}

// WithKeeper attaches a Keeper mirror so Acquire/Release can wait for the
// corresponding replication update to land before returning.
func (s *Slot) WithKeeper(k *Keeper) *Slot {
	s.keeper = k
	return s
}

// Acquire opens the acquire stream for slotID. On success it waits up to
// postAcquireWait for a matching viewer update if a Keeper was attached;
// the wait is best-effort and never fails the call.
func (s *Slot) Acquire(ctx context.Context, slotID string) (bool, error) {
	s.slotID = slotID
	q := url.Values{
		"obj_id":    {s.objID},
		"max_slots": {strconv.FormatInt(s.maxSlots, 10)},
		"slot_id":   {slotID},
	}
	stream, err := s.client.openStream(ctx, "/rpc/slotkeeper/acquire", q)
	if err != nil {
		return false, err
	}
	f, err := stream.next()
	if err != nil {
		stream.Close()
		return false, err
	}
	var res acquireResult
	if err := decodeData(f.Data, &res); err != nil {
		stream.Close()
		return false, err
	}
	if !res.Acquired {
		stream.Close()
		return false, nil
	}
	s.stream = stream
	if s.keeper != nil {
		waitCtx, cancel := context.WithTimeout(ctx, postAcquireWait)
		_ = s.keeper.waitForUpdate(waitCtx, s.objID)
		cancel()
	}
	return true, nil
}

// Release closes the holding stream, then waits up to postAcquireWait for
// the corresponding release update, if a Keeper is attached.
func (s *Slot) Release(ctx context.Context) error {
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream = nil
	if s.keeper != nil {
		waitCtx, cancel := context.WithTimeout(ctx, postAcquireWait)
		_ = s.keeper.waitForUpdate(waitCtx, s.objID)
		cancel()
	}
	return err
}

// Idle consumes one additional stream value (a server keepalive).
func (s *Slot) Idle(ctx context.Context) error {
	if s.stream == nil {
		return ErrStreamEnded
	}
	_, err := s.stream.next()
	return err
}
