package httpstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// directoryHeader scopes a request to one project directory. The backend
// resolves relative paths and session listings against it.
const directoryHeader = "x-opencode-directory"

// client is an immutable REST client bound to one base URL and directory.
// Switching directory means a new client.
type client struct {
	base string
	dir  string
	http *http.Client
}

// requestTimeout bounds the short REST calls. Message sends are exempt: the
// backend may hold that POST open for the whole turn, so the send path is
// bounded by the per-turn timer instead of a client deadline.
const requestTimeout = 60 * time.Second

func newClient(base, dir string) *client {
	return &client{
		base: base,
		dir:  dir,
		http: &http.Client{},
	}
}

// doBounded issues one JSON request under the standard short deadline.
func (c *client) doBounded(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return c.do(ctx, method, path, body, out)
}

// do issues one JSON request. A nil out discards the response body.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.dir != "" {
		req.Header.Set(directoryHeader, c.dir)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
