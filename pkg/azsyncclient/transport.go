// Package azsyncclient is the client binding for azsync-server: scoped
// acquire/release handles for the named lock and the slot keeper, plus a
// Keeper mirror that tracks slot-keeper occupancy via the replication
// stream. See SPEC_FULL.md §4.4.
package azsyncclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/bytedance/sonic"
)

// Client is a handle to one azsync-server instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client. baseURL is the server's root, e.g.
// "http://localhost:8080"; no trailing slash.
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{}}
}

// wireFrame is the decoded shape of one ndjson line from rpctransport.Stream.
type wireFrame struct {
	Seq    uint64          `json:"seq"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// frameStream is one open server-stream RPC call.
type frameStream struct {
	resp   *http.Response
	reader *bufio.Reader
	cancel context.CancelFunc
}

func (c *Client) openStream(ctx context.Context, path string, query url.Values) (*frameStream, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("azsyncclient: server returned %s", resp.Status)
	}
	return &frameStream{resp: resp, reader: bufio.NewReader(resp.Body), cancel: cancel}, nil
}

// next blocks for the next ndjson line. ErrStreamEnded is returned on a
// clean EOF (server closed the response).
func (s *frameStream) next() (wireFrame, error) {
	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		if len(line) == 0 {
			return wireFrame{}, ErrStreamEnded
		}
	}
	var f wireFrame
	if uerr := sonic.Unmarshal(line, &f); uerr != nil {
		return wireFrame{}, fmt.Errorf("azsyncclient: decoding frame: %w", uerr)
	}
	return f, nil
}

func (s *frameStream) Close() error {
	s.cancel()
	return s.resp.Body.Close()
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("azsyncclient: empty frame data")
	}
	return sonic.Unmarshal(raw, v)
}

// getJSON performs a plain unary GET and decodes the JSON body.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, v any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("azsyncclient: server returned %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(body, v)
}
