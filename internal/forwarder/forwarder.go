// Package forwarder implements the proxy's default handler: it dials the
// origin named by the intercepted request, replays the request, and
// streams the response back to the client across both Content-Length and
// chunked framing, invoking the handler hooks at each stage.
package forwarder

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"mitmproxy/internal/handler"
	"mitmproxy/internal/httpmsg"
	"mitmproxy/internal/telemetry"
)

// Default is the proxy's built-in handler. User handlers embed Default by
// value and override only the callbacks they need; Default.BindSelf wires
// up virtual dispatch so that, for example, a user's OnResponseChunk
// override is still reached from Default's own forwarding loop even though
// Go embedding has no native method-override dispatch.
type Default struct {
	conn *handler.Conn
	self handler.Handler

	response  *httpmsg.Response
	completed bool

	// dial opens the upstream TCP connection. Overridable for tests;
	// defaults to net.Dial.
	dial func(network, addr string) (net.Conn, error)

	// UpstreamRootCAs, when set, is used in place of the system trust store
	// to verify the upstream's certificate on an HTTPS-scheme request. A nil
	// value (the default) verifies against the OS trust store, matching a
	// normal browser's trust decisions for the real origin.
	UpstreamRootCAs *x509.CertPool

	// Telemetry, when set, records forward-stage errors and upstream round
	// trip latency for every connection this handler serves. A nil value
	// (the zero value) disables recording.
	Telemetry *telemetry.Telemetry
}

// SetTelemetry attaches a shared Telemetry instance. The acceptor calls
// this on any Handler that implements it, immediately after construction
// and before any callback, so Forward's dial/relay stages are observed
// without every caller wiring a Telemetry field by hand.
func (d *Default) SetTelemetry(t *telemetry.Telemetry) {
	d.Telemetry = t
}

// BindSelf records the outermost Handler value so Default's template
// methods (OnClientConnected → OnRequestReceived → Forward, etc.) invoke
// whatever override the embedding type supplies instead of Default's own.
// The acceptor calls this automatically for any Handler that implements it.
func (d *Default) BindSelf(h handler.Handler) {
	d.self = h
}

// Bind attaches the per-connection state. Called by the acceptor before
// any callback.
func (d *Default) Bind(conn *handler.Conn) {
	d.conn = conn
	if d.self == nil {
		// No SelfBinder hookup happened (handler didn't route through the
		// acceptor's usual construction path); fall back to direct dispatch.
		d.self = d
	}
}

// OnClientConnected is the default implementation: it awaits
// OnRequestReceived, matching spec.md §4.C.
func (d *Default) OnClientConnected(ctx context.Context) error {
	return d.self.OnRequestReceived(ctx)
}

// OnRequestReceived is the default implementation: it forwards the request.
func (d *Default) OnRequestReceived(ctx context.Context) error {
	return d.Forward(ctx)
}

// OnResponseReceived is a no-op default.
func (d *Default) OnResponseReceived(ctx context.Context, resp *httpmsg.Response) error {
	return nil
}

// OnResponseChunk forwards each chunk unchanged by default.
func (d *Default) OnResponseChunk(ctx context.Context, chunk []byte) ([]byte, error) {
	return chunk, nil
}

// OnResponseComplete is a no-op default.
func (d *Default) OnResponseComplete(ctx context.Context) {}

// OnError is a no-op default.
func (d *Default) OnError(ctx context.Context, err error) {}

// Forward implements the eight-step algorithm of spec.md §4.E: dial the
// origin, write the request line/headers/body, read and relay the
// response, and invoke on_response_complete exactly once even on failure.
// A failed dial (including the upstream TLS handshake) only reports the
// error through OnError: forwarding never began, so OnResponseComplete is
// not called.
func (d *Default) Forward(ctx context.Context) error {
	d.completed = false
	req := d.conn.Request

	start := time.Now()
	upstream, err := d.dialUpstream(ctx, req)
	if err != nil {
		d.recordError("dial")
		d.self.OnError(ctx, err)
		return nil // nothing written to the client; the handler may write its own error response
	}
	defer func() {
		if cerr := upstream.Close(); cerr != nil {
			d.recordError("upstream")
			d.self.OnError(ctx, cerr)
		}
	}()

	upstreamReader := bufio.NewReader(upstream)
	upstreamWriter := bufio.NewWriter(upstream)

	if err := d.writeRequest(upstreamWriter, req); err != nil {
		return d.finish(ctx, fmt.Errorf("forwarder: write request: %w", err))
	}

	for chunk, err := range d.conn.ReadRequestBody() {
		if err != nil {
			return d.finish(ctx, fmt.Errorf("forwarder: read request body: %w", err))
		}
		if _, werr := upstreamWriter.Write(chunk); werr != nil {
			return d.finish(ctx, fmt.Errorf("forwarder: relay request body: %w", werr))
		}
	}
	if err := upstreamWriter.Flush(); err != nil {
		return d.finish(ctx, fmt.Errorf("forwarder: flush request: %w", err))
	}

	if err := d.relayResponse(ctx, upstreamReader); err != nil {
		return d.finish(ctx, err)
	}

	if d.Telemetry != nil {
		d.Telemetry.RecordUpstreamLatency(time.Since(start))
	}
	return d.finish(ctx, nil)
}

// finish enforces the completed-flag invariant: on_response_complete fires
// exactly once, however Forward exits after the upstream connection is open.
func (d *Default) finish(ctx context.Context, err error) error {
	if err != nil {
		d.recordError("upstream")
		d.self.OnError(ctx, err)
	}
	if !d.completed {
		d.completed = true
		d.self.OnResponseComplete(ctx)
	}
	return nil
}

// recordError increments the named error stage if Telemetry is configured.
func (d *Default) recordError(stage string) {
	if d.Telemetry != nil {
		d.Telemetry.RecordError(stage)
	}
}

// dialUpstream opens a connection to req.Host:req.Port, wrapping it with a
// client TLS config validating against the OS trust store when the
// intercepted request is HTTPS.
func (d *Default) dialUpstream(ctx context.Context, req *httpmsg.Request) (net.Conn, error) {
	addr := net.JoinHostPort(req.Host, strconv.Itoa(int(req.Port)))
	dial := d.dial
	if dial == nil {
		dialer := &net.Dialer{}
		dial = func(network, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, address)
		}
	}

	conn, err := dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("forwarder: dial %s: %w", addr, err)
	}

	if req.Scheme != "https" {
		return conn, nil
	}

	tlsConn := tls.Client(conn, &tls.Config{ServerName: req.Host, RootCAs: d.UpstreamRootCAs})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("forwarder: upstream TLS handshake with %s: %w", req.Host, err)
	}
	return tlsConn, nil
}

// writeRequest writes the request line and headers upstream. For a
// CONNECT-upgraded inner request, req.URL is already the origin-form path
// captured by the acceptor; for a direct-form request it is the client's
// original absolute target. Neither is rewritten (spec.md §9).
func (d *Default) writeRequest(w *bufio.Writer, req *httpmsg.Request) error {
	if _, err := w.Write(req.RequestLine()); err != nil {
		return err
	}
	if _, err := w.Write(req.Headers.Serialize()); err != nil {
		return err
	}
	return nil
}

// relayResponse reads the upstream status line and headers, invokes
// OnResponseReceived, writes the (possibly mutated) status line/headers to
// the client, and relays the body in whichever framing mode the response
// headers declare.
func (d *Default) relayResponse(ctx context.Context, r *bufio.Reader) error {
	statusLine, err := readLine(r)
	if err != nil || statusLine == "" {
		return fmt.Errorf("forwarder: upstream closed connection before a status line")
	}

	resp, err := httpmsg.ParseStatusLine(statusLine)
	if err != nil {
		return fmt.Errorf("forwarder: %w", err)
	}

	headerBlock, err := readHeaderBlock(r)
	if err != nil {
		return fmt.Errorf("forwarder: read upstream headers: %w", err)
	}
	resp.Headers = httpmsg.ParseHeaderBlock(headerBlock)
	d.response = resp

	if err := d.self.OnResponseReceived(ctx, resp); err != nil {
		return fmt.Errorf("forwarder: on response received: %w", err)
	}

	if err := d.conn.WriteResponse(resp.StatusLine()); err != nil {
		return err
	}
	if err := d.conn.WriteResponse(resp.Headers.Serialize()); err != nil {
		return err
	}

	if err := d.relayBody(ctx, r, resp); err != nil {
		return err
	}

	return d.conn.FlushResponse()
}

// relayBody dispatches to the fixed-length, chunked, or until-close relay
// mode based on the response headers, per spec.md §4.E step 6.
func (d *Default) relayBody(ctx context.Context, r *bufio.Reader, resp *httpmsg.Response) error {
	if cl, ok := resp.Headers.First("Content-Length"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil {
			return fmt.Errorf("forwarder: invalid Content-Length %q: %w", cl, err)
		}
		return d.relayFixedLength(ctx, r, n)
	}

	if te, ok := resp.Headers.First("Transfer-Encoding"); ok && strings.Contains(strings.ToLower(te), "chunked") {
		return d.relayChunked(ctx, r)
	}

	return d.relayUntilClose(ctx, r)
}

func (d *Default) relayFixedLength(ctx context.Context, r *bufio.Reader, n int64) error {
	buf := make([]byte, handler.MaxChunkSize)
	remaining := n
	for remaining > 0 {
		want := int64(len(buf))
		if remaining < want {
			want = remaining
		}
		read, err := r.Read(buf[:want])
		if read > 0 {
			if werr := d.writeChunk(ctx, buf[:read]); werr != nil {
				return werr
			}
			remaining -= int64(read)
		}
		if err != nil {
			if remaining > 0 {
				return fmt.Errorf("forwarder: upstream closed mid-body: %w", err)
			}
			break
		}
	}
	return nil
}

func (d *Default) relayUntilClose(ctx context.Context, r *bufio.Reader) error {
	buf := make([]byte, handler.MaxChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := d.writeChunk(ctx, buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return nil // EOF (or any read error) ends an until-close body
		}
	}
}

// relayChunked relays a chunked-transfer body, forwarding each size line
// verbatim, passing chunk data (without its trailing CRLF) through
// OnResponseChunk, and preserving the declared chunk framing even when a
// hook drops the data. A zero-size chunk switches to trailer mode.
func (d *Default) relayChunked(ctx context.Context, r *bufio.Reader) error {
	for {
		sizeLine, err := readLine(r)
		if err != nil {
			return fmt.Errorf("forwarder: read chunk size line: %w", err)
		}
		if err := d.conn.WriteResponse([]byte(sizeLine + "\r\n")); err != nil {
			return err
		}

		sizeToken := sizeLine
		if idx := strings.IndexByte(sizeToken, ';'); idx >= 0 {
			sizeToken = sizeToken[:idx]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeToken), 16, 64)
		if err != nil {
			return fmt.Errorf("forwarder: invalid chunk size line %q: %w", sizeLine, err)
		}

		if size == 0 {
			for {
				trailer, err := readLine(r)
				if err != nil {
					return fmt.Errorf("forwarder: read chunk trailer: %w", err)
				}
				if err := d.conn.WriteResponse([]byte(trailer + "\r\n")); err != nil {
					return err
				}
				if trailer == "" {
					break
				}
			}
			return nil
		}

		data := make([]byte, size+2)
		if _, err := readFull(r, data); err != nil {
			return fmt.Errorf("forwarder: read chunk data: %w", err)
		}
		chunkData, crlf := data[:size], data[size:]

		processed, err := d.self.OnResponseChunk(ctx, chunkData)
		if err != nil {
			return fmt.Errorf("forwarder: on response chunk: %w", err)
		}
		if processed != nil {
			if err := d.conn.WriteResponse(processed); err != nil {
				return err
			}
		}
		if err := d.conn.WriteResponse(crlf); err != nil {
			return err
		}
	}
}

// writeChunk passes chunk through OnResponseChunk and writes the result
// (if any) to the client, for the two non-chunked relay modes.
func (d *Default) writeChunk(ctx context.Context, chunk []byte) error {
	processed, err := d.self.OnResponseChunk(ctx, chunk)
	if err != nil {
		return fmt.Errorf("forwarder: on response chunk: %w", err)
	}
	if processed == nil {
		return nil
	}
	return d.conn.WriteResponse(processed)
}
