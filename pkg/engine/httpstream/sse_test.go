package httpstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseEvent struct {
	Type       string
	Properties string
}

// serveSSE runs an httptest server that writes the given raw body as an
// event stream and then closes the connection.
func serveSSE(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collectStream(t *testing.T, url string) ([]sseEvent, error) {
	t.Helper()
	var got []sseEvent
	err := readStream(context.Background(), &http.Client{}, url,
		func(eventType string, properties json.RawMessage) {
			got = append(got, sseEvent{Type: eventType, Properties: string(properties)})
		})
	return got, err
}

func TestReadStream_ParsesDataFrames(t *testing.T) {
	srv := serveSSE(t, ""+
		"data: {\"payload\":{\"type\":\"session.created\",\"properties\":{\"info\":{\"id\":\"ses_1\"}}}}\n"+
		"\n"+
		"data: {\"payload\":{\"type\":\"message.updated\",\"properties\":{\"info\":{\"id\":\"msg_1\"}}}}\n"+
		"\n")

	got, err := collectStream(t, srv.URL)
	require.Error(t, err) // the stream ending is reported so callers reconnect
	assert.Contains(t, err.Error(), "event stream closed")

	require.Len(t, got, 2)
	assert.Equal(t, "session.created", got[0].Type)
	assert.JSONEq(t, `{"info":{"id":"ses_1"}}`, got[0].Properties)
	assert.Equal(t, "message.updated", got[1].Type)
}

func TestReadStream_MultiLineDataAccumulates(t *testing.T) {
	srv := serveSSE(t, ""+
		"data: {\"payload\":{\"type\":\"session.updated\",\n"+
		"data: \"properties\":{}}}\n"+
		"\n")

	got, _ := collectStream(t, srv.URL)
	require.Len(t, got, 1)
	assert.Equal(t, "session.updated", got[0].Type)
}

func TestReadStream_IgnoresCommentsAndOtherFields(t *testing.T) {
	srv := serveSSE(t, ""+
		": keepalive\n"+
		"event: message\n"+
		"id: 42\n"+
		"data: {\"payload\":{\"type\":\"session.created\",\"properties\":{}}}\n"+
		"\n"+
		": keepalive\n"+
		"\n")

	got, _ := collectStream(t, srv.URL)
	require.Len(t, got, 1)
	assert.Equal(t, "session.created", got[0].Type)
}

func TestReadStream_SkipsMalformedFrames(t *testing.T) {
	srv := serveSSE(t, ""+
		"data: this is not json\n"+
		"\n"+
		"data: {\"payload\":{\"properties\":{}}}\n"+
		"\n"+
		"data: {\"payload\":{\"type\":\"session.created\",\"properties\":{}}}\n"+
		"\n")

	// The typed frame survives; junk and typeless frames are dropped.
	got, _ := collectStream(t, srv.URL)
	require.Len(t, got, 1)
	assert.Equal(t, "session.created", got[0].Type)
}

func TestReadStream_Non200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, err := collectStream(t, srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestReadStream_ContextCancel(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-block
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- readStream(ctx, &http.Client{}, srv.URL, func(string, json.RawMessage) {})
	}()
	cancel()
	err := <-done
	require.Error(t, err)
}
