package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/naotama2002/mcp-sse-connector/internal/errors"
	"github.com/naotama2002/mcp-sse-connector/internal/logging"
)

type postRecord struct {
	path   string
	query  string
	body   string
	header http.Header
}

type fakeServer struct {
	*httptest.Server
	gets      atomic.Int32
	getHeader atomic.Value
	posts     chan postRecord
}

// newFakeServer serves GET with stream and POST with onPost. onPost may be
// nil, in which case POSTs are answered with 202.
func newFakeServer(t *testing.T, stream func(w http.ResponseWriter, r *http.Request, n int32), onPost func(w http.ResponseWriter, r *http.Request)) *fakeServer {
	t.Helper()
	fs := &fakeServer{posts: make(chan postRecord, 16)}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			fs.getHeader.Store(r.Header.Clone())
			stream(w, r, fs.gets.Add(1))
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			fs.posts <- postRecord{path: r.URL.Path, query: r.URL.RawQuery, body: string(body), header: r.Header.Clone()}
			if onPost != nil {
				onPost(w, r)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) nextPost(t *testing.T) postRecord {
	t.Helper()
	select {
	case p := <-fs.posts:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for POST")
	}
	return postRecord{}
}

func startStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.(http.Flusher).Flush()
}

func writeEvent(w http.ResponseWriter, event, data string) {
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.(http.Flusher).Flush()
}

func testOptions(o Options) Options {
	if o.RetryDelay == 0 {
		o.RetryDelay = 5 * time.Millisecond
	}
	if o.EndpointWait == 0 {
		o.EndpointWait = 50 * time.Millisecond
	}
	o.Logger = logging.Discard()
	return o
}

func openConn(t *testing.T, rawURL string, opts Options) *Conn {
	t.Helper()
	conn, err := Open(context.Background(), rawURL, testOptions(opts))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func recvItem(t *testing.T, conn *Conn) Received {
	t.Helper()
	select {
	case item, ok := <-conn.Recv():
		require.True(t, ok, "receive queue closed")
		return item
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for receive queue")
	}
	return Received{}
}

func recvMessage(t *testing.T, conn *Conn) *Message {
	t.Helper()
	item := recvItem(t, conn)
	require.NoError(t, item.Err)
	require.NotNil(t, item.Message)
	return item.Message
}

func assertQuiet(t *testing.T, conn *Conn, d time.Duration) {
	t.Helper()
	select {
	case item, ok := <-conn.Recv():
		if ok {
			t.Fatalf("unexpected item on receive queue: %+v", item)
		}
		t.Fatal("receive queue closed unexpectedly")
	case <-time.After(d):
	}
}

// drain collects everything until the receive queue closes.
func drain(t *testing.T, conn *Conn) []Received {
	t.Helper()
	var items []Received
	deadline := time.After(5 * time.Second)
	for {
		select {
		case item, ok := <-conn.Recv():
			if !ok {
				return items
			}
			items = append(items, item)
		case <-deadline:
			t.Fatal("receive queue never closed")
		}
	}
}

func mustRequest(t *testing.T, id any, method string) Message {
	t.Helper()
	msg, err := NewRequest(id, method, nil)
	require.NoError(t, err)
	return msg
}

func TestEndpointEventThenMessage(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		startStream(w)
		writeEvent(w, "endpoint", "/custom/path")
		writeEvent(w, "message", `{"jsonrpc":"2.0","id":1,"result":{}}`)
		<-r.Context().Done()
	}, nil)

	conn := openConn(t, fs.URL+"/sse", Options{Headers: map[string]string{"Authorization": "Bearer tok"}})

	msg := recvMessage(t, conn)
	assert.Equal(t, KindResponse, msg.Kind)
	assert.Equal(t, "1", msg.IDString())
	assertQuiet(t, conn, 100*time.Millisecond)
	assert.Equal(t, fs.URL+"/custom/path", conn.Endpoint())

	getHeader := fs.getHeader.Load().(http.Header)
	assert.Equal(t, "text/event-stream", getHeader.Get("Accept"))
	assert.Equal(t, "Bearer tok", getHeader.Get("Authorization"))

	req := mustRequest(t, 2, "ping")
	require.NoError(t, conn.Send(context.Background(), req))

	post := fs.nextPost(t)
	assert.Equal(t, "/custom/path", post.path)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":2,"method":"ping"}`, post.body)
	assert.Equal(t, "application/json, text/event-stream", post.header.Get("Accept"))
	assert.Equal(t, "application/json", post.header.Get("Content-Type"))
	assert.Equal(t, "Bearer tok", post.header.Get("Authorization"))

	assert.NoError(t, conn.Err())
	assert.Equal(t, 1, conn.Attempts())
}

func TestFallbackEndpoint(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		startStream(w)
		<-r.Context().Done()
	}, nil)

	conn := openConn(t, fs.URL+"/sse", Options{})
	require.NoError(t, conn.Send(context.Background(), mustRequest(t, 1, "ping")))

	post := fs.nextPost(t)
	assert.Equal(t, "/content/v1/messages", post.path)
	assert.Equal(t, fs.URL+"/content/v1/messages", conn.Endpoint())
}

func TestLatestEndpointWins(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		startStream(w)
		writeEvent(w, "endpoint", "/a")
		writeEvent(w, "endpoint", "https://attacker.invalid/x")
		writeEvent(w, "endpoint", "/b")
		writeEvent(w, "message", `{"jsonrpc":"2.0","method":"ready"}`)
		<-r.Context().Done()
	}, nil)

	conn := openConn(t, fs.URL+"/sse", Options{})
	msg := recvMessage(t, conn)
	assert.Equal(t, KindNotification, msg.Kind)

	require.NoError(t, conn.Send(context.Background(), mustRequest(t, 1, "ping")))
	assert.Equal(t, "/b", fs.nextPost(t).path)

	select {
	case p := <-fs.posts:
		t.Fatalf("unexpected extra POST to %s", p.path)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEndpointChangeAfterPost(t *testing.T) {
	moved := make(chan struct{})
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		startStream(w)
		writeEvent(w, "endpoint", "/a")
		select {
		case <-moved:
		case <-r.Context().Done():
			return
		}
		writeEvent(w, "endpoint", "/b")
		writeEvent(w, "message", `{"jsonrpc":"2.0","method":"moved"}`)
		<-r.Context().Done()
	}, nil)

	conn := openConn(t, fs.URL+"/sse", Options{})
	require.NoError(t, conn.Send(context.Background(), mustRequest(t, 1, "ping")))
	assert.Equal(t, "/a", fs.nextPost(t).path)

	close(moved)
	assert.Equal(t, "moved", recvMessage(t, conn).Method)
	assert.Equal(t, fs.URL+"/b", conn.Endpoint())

	require.NoError(t, conn.Send(context.Background(), mustRequest(t, 2, "ping")))
	assert.Equal(t, "/b", fs.nextPost(t).path)
	assert.Equal(t, int32(1), fs.gets.Load())
}

func TestMalformedPayloadsDropped(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		startStream(w)
		writeEvent(w, "message", "not json")
		writeEvent(w, "message", `{"foo":1}`)
		writeEvent(w, "", `{"jsonrpc":"2.0","id":2,"result":{"ok":true}}`)
		<-r.Context().Done()
	}, nil)

	conn := openConn(t, fs.URL+"/sse", Options{})
	msg := recvMessage(t, conn)
	assert.Equal(t, "2", msg.IDString())
	assert.JSONEq(t, `{"ok":true}`, string(msg.Result()))

	assertQuiet(t, conn, 50*time.Millisecond)
	assert.NoError(t, conn.Err())
	assert.Equal(t, 1, conn.Attempts())
}

func TestBatchPayload(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		startStream(w)
		writeEvent(w, "message", `[{"jsonrpc":"2.0","id":1,"result":{}},{"jsonrpc":"2.0","method":"notifications/progress"}]`)
		<-r.Context().Done()
	}, nil)

	conn := openConn(t, fs.URL+"/sse", Options{})
	assert.Equal(t, KindResponse, recvMessage(t, conn).Kind)
	assert.Equal(t, KindNotification, recvMessage(t, conn).Kind)
}

// TestRetryCeiling checks that MaxAttempts bounds the total number of stream
// requests, the initial connect included.
func TestRetryCeiling(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}, nil)

	conn := openConn(t, fs.URL+"/sse", Options{MaxAttempts: 3})
	items := drain(t, conn)

	require.Len(t, items, 1)
	assert.Nil(t, items[0].Message)
	require.Error(t, items[0].Err)
	assert.True(t, apperrors.IsType(items[0].Err, apperrors.RetryExhaustedError), "got %v", items[0].Err)
	assert.Equal(t, int32(3), fs.gets.Load())
	assert.Equal(t, 3, conn.Attempts())

	<-conn.Done()
	assert.Equal(t, items[0].Err, conn.Err())
	assert.ErrorIs(t, conn.Send(context.Background(), mustRequest(t, 1, "ping")), items[0].Err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), fs.gets.Load(), "no attempts after giving up")
}

func TestEndpointOnlyStreamsExhaustRetries(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		startStream(w)
		writeEvent(w, "endpoint", "/messages")
	}, nil)

	conn := openConn(t, fs.URL+"/sse", Options{MaxAttempts: 3})
	items := drain(t, conn)

	require.Len(t, items, 1)
	assert.True(t, apperrors.IsType(items[0].Err, apperrors.RetryExhaustedError), "got %v", items[0].Err)
	assert.Equal(t, int32(3), fs.gets.Load())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), fs.gets.Load(), "no attempts after giving up")
}

func TestRejectedPendingMessageExhaustsRetries(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		startStream(w)
		writeEvent(w, "endpoint", "/messages")
		<-r.Context().Done()
	}, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	conn := openConn(t, fs.URL+"/sse", Options{MaxAttempts: 3})
	require.NoError(t, conn.Send(context.Background(), mustRequest(t, 1, "ping")))

	items := drain(t, conn)
	require.Len(t, items, 1)
	assert.True(t, apperrors.IsType(items[0].Err, apperrors.RetryExhaustedError), "got %v", items[0].Err)
	assert.Equal(t, int32(3), fs.gets.Load())
	assert.Len(t, fs.posts, 3)
}

func TestAuthFailureNotRetried(t *testing.T) {
	tests := []struct {
		status int
		want   apperrors.ErrorType
	}{
		{http.StatusUnauthorized, apperrors.AuthenticationError},
		{http.StatusForbidden, apperrors.AuthorizationError},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
				http.Error(w, "bad token", tt.status)
			}, nil)

			conn := openConn(t, fs.URL+"/sse", Options{MaxAttempts: 3})
			items := drain(t, conn)

			require.Len(t, items, 1)
			assert.True(t, apperrors.IsType(items[0].Err, tt.want), "got %v", items[0].Err)
			assert.True(t, apperrors.IsAuthFailure(conn.Err()))
			assert.Equal(t, int32(1), fs.gets.Load())
		})
	}
}

func TestAuthFailureOnPost(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		startStream(w)
		writeEvent(w, "endpoint", "/messages")
		<-r.Context().Done()
	}, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	})

	conn := openConn(t, fs.URL+"/sse", Options{})
	require.NoError(t, conn.Send(context.Background(), mustRequest(t, 1, "ping")))

	items := drain(t, conn)
	require.Len(t, items, 1)
	assert.True(t, apperrors.IsType(items[0].Err, apperrors.AuthenticationError), "got %v", items[0].Err)
	assert.Equal(t, int32(1), fs.gets.Load())
}

func TestCloseIsIdempotent(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		startStream(w)
		writeEvent(w, "endpoint", "/messages")
		<-r.Context().Done()
	}, nil)

	conn, err := Open(context.Background(), fs.URL+"/sse", testOptions(Options{}))
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	for range conn.Recv() {
	}
	select {
	case <-conn.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	assert.NoError(t, conn.Err())
	assert.ErrorIs(t, conn.Send(context.Background(), mustRequest(t, 1, "ping")), ErrClosed)
}

func TestParentContextCancelCloses(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		startStream(w)
		<-r.Context().Done()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := Open(ctx, fs.URL+"/sse", testOptions(Options{}))
	require.NoError(t, err)
	cancel()

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not stop after context cancel")
	}
	assert.NoError(t, conn.Err())
}

func TestInlinePostResponse(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		wantID      string
	}{
		{"event stream", "text/event-stream", "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":7,\"result\":{}}\n\n", "7"},
		{"json", "application/json", `{"jsonrpc":"2.0","id":8,"result":{}}`, "8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
				startStream(w)
				writeEvent(w, "endpoint", "/messages")
				<-r.Context().Done()
			}, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				_, _ = io.WriteString(w, tt.body)
			})

			conn := openConn(t, fs.URL+"/sse", Options{})
			require.NoError(t, conn.Send(context.Background(), mustRequest(t, tt.wantID, "tools/list")))
			fs.nextPost(t)

			assert.Equal(t, tt.wantID, recvMessage(t, conn).IDString())
		})
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		startStream(w)
		writeEvent(w, "endpoint", fmt.Sprintf("/s%d", n))
		writeEvent(w, "message", fmt.Sprintf(`{"jsonrpc":"2.0","method":"hello","params":{"n":%d}}`, n))
		if n == 1 {
			return
		}
		<-r.Context().Done()
	}, nil)

	conn := openConn(t, fs.URL+"/sse", Options{MaxAttempts: 2})

	assert.JSONEq(t, `{"n":1}`, string(recvMessage(t, conn).Params()))
	assert.JSONEq(t, `{"n":2}`, string(recvMessage(t, conn).Params()))
	assert.Equal(t, int32(2), fs.gets.Load())

	require.NoError(t, conn.Send(context.Background(), mustRequest(t, 1, "ping")))
	assert.Equal(t, "/s2", fs.nextPost(t).path)
	assert.NoError(t, conn.Err())
}

func TestPendingMessageResentOnNewEndpoint(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		startStream(w)
		writeEvent(w, "endpoint", fmt.Sprintf("/messages?session=%d", n))
		<-r.Context().Done()
	}, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("session") == "1" {
			http.Error(w, "session gone", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	conn := openConn(t, fs.URL+"/sse", Options{MaxAttempts: 3})
	require.NoError(t, conn.Send(context.Background(), mustRequest(t, 42, "tools/list")))

	first := fs.nextPost(t)
	second := fs.nextPost(t)
	assert.Equal(t, "session=1", first.query)
	assert.Equal(t, "session=2", second.query)
	assert.Equal(t, first.body, second.body)

	assertQuiet(t, conn, 50*time.Millisecond)
	assert.NoError(t, conn.Err())
	assert.Equal(t, int32(2), fs.gets.Load())
}

func TestReadTimeout(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		startStream(w)
		<-r.Context().Done()
	}, nil)

	conn := openConn(t, fs.URL+"/sse", Options{MaxAttempts: 1, ReadTimeout: 50 * time.Millisecond})
	items := drain(t, conn)

	require.Len(t, items, 1)
	assert.True(t, apperrors.IsType(items[0].Err, apperrors.RetryExhaustedError))
	assert.True(t, apperrors.IsType(items[0].Err, apperrors.TimeoutError), "got %v", items[0].Err)
}

func TestConnectTimeout(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, nil)

	conn := openConn(t, fs.URL+"/sse", Options{MaxAttempts: 1, Timeout: 50 * time.Millisecond})
	items := drain(t, conn)

	require.Len(t, items, 1)
	assert.True(t, apperrors.IsType(items[0].Err, apperrors.TimeoutError), "got %v", items[0].Err)
}

func TestWrongContentTypeIsRetried(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html></html>")
	}, nil)

	conn := openConn(t, fs.URL+"/sse", Options{MaxAttempts: 2})
	items := drain(t, conn)

	require.Len(t, items, 1)
	assert.True(t, apperrors.IsType(items[0].Err, apperrors.RetryExhaustedError))
	assert.Equal(t, int32(2), fs.gets.Load())
}

func TestOpenRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://host/sse", "/relative/sse", "::bad", "http://"} {
		_, err := Open(context.Background(), raw, Options{})
		assert.True(t, apperrors.IsType(err, apperrors.ConfigurationError), "url %q: %v", raw, err)
	}
}

func TestSendRejectsInvalidMessage(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		startStream(w)
		<-r.Context().Done()
	}, nil)

	conn := openConn(t, fs.URL+"/sse", Options{})
	err := conn.Send(context.Background(), Message{})
	assert.True(t, apperrors.IsType(err, apperrors.ValidationError))
}
