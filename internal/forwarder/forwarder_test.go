package forwarder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mitmproxy/internal/handler"
	"mitmproxy/internal/httpmsg"
	"mitmproxy/internal/telemetry"
)

// testHandler embeds Default and exposes hooks as overridable funcs so each
// test can observe (or mutate) exactly the callback it cares about.
type testHandler struct {
	Default

	onResponseChunk    func(ctx context.Context, chunk []byte) ([]byte, error)
	onError            func(ctx context.Context, err error)
	onResponseComplete func(ctx context.Context)
	onResponseReceived func(ctx context.Context, resp *httpmsg.Response) error

	errs      []error
	completed int
}

func newTestHandler() *testHandler {
	h := &testHandler{}
	h.BindSelf(h)
	h.onError = func(ctx context.Context, err error) { h.errs = append(h.errs, err) }
	h.onResponseComplete = func(ctx context.Context) { h.completed++ }
	return h
}

func (h *testHandler) OnResponseChunk(ctx context.Context, chunk []byte) ([]byte, error) {
	if h.onResponseChunk != nil {
		return h.onResponseChunk(ctx, chunk)
	}
	return chunk, nil
}

func (h *testHandler) OnError(ctx context.Context, err error) {
	if h.onError != nil {
		h.onError(ctx, err)
	}
}

func (h *testHandler) OnResponseComplete(ctx context.Context) {
	if h.onResponseComplete != nil {
		h.onResponseComplete(ctx)
	}
}

func (h *testHandler) OnResponseReceived(ctx context.Context, resp *httpmsg.Response) error {
	if h.onResponseReceived != nil {
		return h.onResponseReceived(ctx, resp)
	}
	return nil
}

// newConn builds a handler.Conn whose client writer is an in-memory buffer,
// bound to the given request.
func newConn(req *httpmsg.Request) (*handler.Conn, *bytes.Buffer) {
	var out bytes.Buffer
	return &handler.Conn{
		Reader:  bufio.NewReader(strings.NewReader("")),
		Writer:  bufio.NewWriter(&out),
		Request: req,
	}, &out
}

func TestForward_FixedLength(t *testing.T) {
	h := newTestHandler()
	req := &httpmsg.Request{Method: "GET", URL: "/", Version: "HTTP/1.1", Scheme: "http", Host: "origin", Port: 80}
	conn, out := newConn(req)
	h.Bind(conn)

	client, origin := net.Pipe()
	h.dial = func(network, addr string) (net.Conn, error) { return client, nil }

	go func() {
		br := bufio.NewReader(origin)
		_, _ = br.ReadString('\n') // request line
		for {
			line, _ := br.ReadString('\n')
			if line == "\r\n" {
				break
			}
		}
		_, _ = origin.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
		origin.Close()
	}()

	require.NoError(t, h.Forward(context.Background()))
	require.NoError(t, conn.FlushResponse())

	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello", out.String())
	assert.Equal(t, 1, h.completed)
	assert.Empty(t, h.errs)
}

func TestForward_ChunkMutation_PreservesContentLength(t *testing.T) {
	h := newTestHandler()
	h.onResponseChunk = func(ctx context.Context, chunk []byte) ([]byte, error) {
		return bytes.ToUpper(chunk), nil
	}

	req := &httpmsg.Request{Method: "GET", URL: "/", Version: "HTTP/1.1", Scheme: "http", Host: "origin", Port: 80}
	conn, out := newConn(req)
	h.Bind(conn)

	client, origin := net.Pipe()
	h.dial = func(network, addr string) (net.Conn, error) { return client, nil }

	go func() {
		br := bufio.NewReader(origin)
		_, _ = br.ReadString('\n')
		for {
			line, _ := br.ReadString('\n')
			if line == "\r\n" {
				break
			}
		}
		_, _ = origin.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
		origin.Close()
	}()

	require.NoError(t, h.Forward(context.Background()))
	require.NoError(t, conn.FlushResponse())

	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nHELLO", out.String())
}

func TestForward_Chunked_ByteForByte(t *testing.T) {
	h := newTestHandler()
	req := &httpmsg.Request{Method: "GET", URL: "/", Version: "HTTP/1.1", Scheme: "http", Host: "origin", Port: 80}
	conn, out := newConn(req)
	h.Bind(conn)

	client, origin := net.Pipe()
	h.dial = func(network, addr string) (net.Conn, error) { return client, nil }

	go func() {
		br := bufio.NewReader(origin)
		_, _ = br.ReadString('\n')
		for {
			line, _ := br.ReadString('\n')
			if line == "\r\n" {
				break
			}
		}
		_, _ = origin.Write([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"))
		origin.Close()
	}()

	require.NoError(t, h.Forward(context.Background()))
	require.NoError(t, conn.FlushResponse())

	assert.Equal(t,
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n",
		out.String())
}

func TestForward_UpstreamDialFailure_NoClientWriteNoComplete(t *testing.T) {
	h := newTestHandler()
	req := &httpmsg.Request{Method: "GET", URL: "/", Version: "HTTP/1.1", Scheme: "https", Host: "origin", Port: 443}
	conn, out := newConn(req)
	h.Bind(conn)

	wantErr := errors.New("boom: untrusted certificate")
	h.dial = func(network, addr string) (net.Conn, error) { return nil, wantErr }

	require.NoError(t, h.Forward(context.Background()))
	require.NoError(t, conn.FlushResponse())

	assert.Empty(t, out.String())
	assert.Equal(t, 0, h.completed)
	require.Len(t, h.errs, 1)
	assert.ErrorIs(t, h.errs[0], wantErr)
}

func TestForward_DialFailure_RecordsTelemetryError(t *testing.T) {
	h := newTestHandler()
	h.Telemetry = telemetry.New()
	req := &httpmsg.Request{Method: "GET", URL: "/", Version: "HTTP/1.1", Scheme: "https", Host: "origin", Port: 443}
	conn, _ := newConn(req)
	h.Bind(conn)

	h.dial = func(network, addr string) (net.Conn, error) { return nil, errors.New("dial refused") }

	require.NoError(t, h.Forward(context.Background()))

	assert.Equal(t, float64(1), testutil.ToFloat64(h.Telemetry.ErrorsTotal.WithLabelValues("dial")))
}

func TestForward_Success_RecordsUpstreamLatency(t *testing.T) {
	h := newTestHandler()
	h.Telemetry = telemetry.New()
	req := &httpmsg.Request{Method: "GET", URL: "/", Version: "HTTP/1.1", Scheme: "http", Host: "origin", Port: 80}
	conn, out := newConn(req)
	h.Bind(conn)

	client, origin := net.Pipe()
	h.dial = func(network, addr string) (net.Conn, error) { return client, nil }

	go func() {
		br := bufio.NewReader(origin)
		_, _ = br.ReadString('\n')
		for {
			line, _ := br.ReadString('\n')
			if line == "\r\n" {
				break
			}
		}
		_, _ = origin.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
		origin.Close()
	}()

	require.NoError(t, h.Forward(context.Background()))
	require.NoError(t, conn.FlushResponse())
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello", out.String())

	metrics, err := h.Telemetry.Registry.Gather()
	require.NoError(t, err)
	var samples uint64
	for _, mf := range metrics {
		if mf.GetName() == "mitmproxy_upstream_round_trip_seconds" {
			require.Len(t, mf.GetMetric(), 1)
			samples = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	assert.EqualValues(t, 1, samples)
}

func TestForward_UpstreamClosedBeforeStatusLine(t *testing.T) {
	h := newTestHandler()
	req := &httpmsg.Request{Method: "GET", URL: "/", Version: "HTTP/1.1", Scheme: "http", Host: "origin", Port: 80}
	conn, _ := newConn(req)
	h.Bind(conn)

	client, origin := net.Pipe()
	h.dial = func(network, addr string) (net.Conn, error) { return client, nil }

	go func() {
		br := bufio.NewReader(origin)
		_, _ = br.ReadString('\n')
		for {
			line, _ := br.ReadString('\n')
			if line == "\r\n" {
				break
			}
		}
		origin.Close()
	}()

	require.NoError(t, h.Forward(context.Background()))

	require.Len(t, h.errs, 1)
	assert.Equal(t, 1, h.completed)
}
