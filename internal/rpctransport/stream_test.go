package rpctransport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func newStream(t *testing.T, heartbeat time.Duration) (*Stream, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest("GET", "/rpc/lock/get_lock?name=x", nil)
	rec := httptest.NewRecorder()
	s, err := NewStream(rec, req, heartbeat)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	return s, rec
}

func TestStream_SendWritesNDJSONFrame(t *testing.T) {
	s, rec := newStream(t, 0)
	if err := s.Send(map[string]bool{"acquired": true}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	sc := bufio.NewScanner(bytes.NewReader(rec.Body.Bytes()))
	if !sc.Scan() {
		t.Fatal("expected at least one line written")
	}
	var frame struct {
		Data struct {
			Acquired bool `json:"acquired"`
		} `json:"data"`
	}
	if err := json.Unmarshal(sc.Bytes(), &frame); err != nil {
		t.Fatalf("decoding frame: %v", err)
	}
	if !frame.Data.Acquired {
		t.Error("expected acquired=true to round-trip")
	}
}

func TestStream_ContextCanceledByClient(t *testing.T) {
	req := httptest.NewRequest("GET", "/rpc/lock/get_lock?name=x", nil)
	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	s, err := NewStream(rec, req, 0)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}

	cancel()
	<-s.Context().Done()

	if err := s.Err(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("expected ErrStreamClosed once the client's context is canceled, got %v", err)
	}
	if err := s.Send(map[string]int{"n": 1}); err == nil {
		t.Error("expected Send to fail once the stream's context is done")
	}
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	s, _ := newStream(t, 0)
	s.Close(nil)
	s.Close(ErrUnexpectedClose) // must not panic or hang on a second call
	if err := s.Err(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("expected the first Close(nil) cause to stick, got %v", err)
	}
}

func TestStream_HeartbeatKeepaliveDoesNotPanicOnUnsupportedDeadline(t *testing.T) {
	// httptest.ResponseRecorder doesn't implement http.ResponseController's
	// SetWriteDeadline; writeFrame must degrade gracefully rather than fail
	// the stream outright.
	s, rec := newStream(t, 30*time.Millisecond)
	defer s.Close(nil)

	time.Sleep(50 * time.Millisecond)
	if err := s.Send(map[string]int{"n": 1}); err != nil {
		t.Fatalf("Send after a keepalive tick: %v", err)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected at least one frame (keepalive or Send) to be written")
	}
}
