package httpstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// streamFrame is one SSE data payload from the global event stream.
type streamFrame struct {
	Payload struct {
		Type       string          `json:"type"`
		Properties json.RawMessage `json:"properties"`
	} `json:"payload"`
}

// readStream consumes the backend's server-sent-event stream, invoking
// onEvent for each data frame. It returns when the stream ends, the request
// fails, or ctx is cancelled; the caller decides whether to reconnect.
func readStream(ctx context.Context, hc *http.Client, url string, onEvent func(eventType string, properties json.RawMessage)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var frame streamFrame
			if err := json.Unmarshal([]byte(data.String()), &frame); err == nil && frame.Payload.Type != "" {
				onEvent(frame.Payload.Type, frame.Payload.Properties)
			}
			data.Reset()
		default:
			// Comments and event/id fields are ignored.
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("event stream closed")
}
