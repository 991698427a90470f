// Package handler defines the per-connection handler contract: the
// interface application code implements to observe and mutate an
// intercepted request/response, and the Conn primitives the acceptor binds
// to each fresh handler instance.
package handler

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"

	"mitmproxy/internal/httpmsg"
)

// Handler is the polymorphic per-connection object the acceptor constructs
// and drives. Every callback is a suspension point (it may block on I/O);
// a Handler implementation embeds Default (see internal/forwarder) to pick
// up the forwarding behavior for any callback it does not override.
type Handler interface {
	// Bind attaches the connection's reader/writer/parsed request. Called
	// once, before any callback, by the acceptor.
	Bind(conn *Conn)

	// OnClientConnected fires once the request (and any TLS upgrade) is
	// ready. The acceptor invokes this and, when it returns, closes the
	// client writer.
	OnClientConnected(ctx context.Context) error

	// OnRequestReceived fires before any bytes are sent upstream.
	OnRequestReceived(ctx context.Context) error

	// OnResponseReceived fires after the upstream status line and headers
	// have been parsed, before anything is written to the client.
	OnResponseReceived(ctx context.Context, resp *httpmsg.Response) error

	// OnResponseChunk fires per body chunk read from upstream. Returning a
	// nil chunk (with a nil error) drops the chunk from the client stream
	// while preserving chunked-transfer framing.
	OnResponseChunk(ctx context.Context, chunk []byte) ([]byte, error)

	// OnResponseComplete fires exactly once per forwarded response, even on
	// failure after forwarding has begun.
	OnResponseComplete(ctx context.Context)

	// OnError fires on any transport or TLS error encountered while
	// forwarding. Returning from it continues cleanup.
	OnError(ctx context.Context, err error)
}

// SelfBinder is implemented by forwarder.Default (see internal/forwarder) so
// the acceptor can wire up virtual dispatch: Default's own template
// methods call back through whatever outer type embeds it, instead of
// resolving statically to Default's own methods the way plain Go embedding
// would.
type SelfBinder interface {
	BindSelf(h Handler)
}

// Conn bundles the per-connection state the acceptor binds to a handler:
// the buffered client reader/writer, the raw connection (for the forwarder
// to know e.g. deadlines), and the parsed request. Handlers read Request
// freely and may mutate its Headers before the default OnRequestReceived
// forwards it.
type Conn struct {
	Raw     net.Conn
	Reader  *bufio.Reader
	Writer  *bufio.Writer
	Request *httpmsg.Request
}

// ReadRequestBody returns a lazy, finite sequence of body chunks bounded by
// the request's Content-Length header. A request without Content-Length (or
// with a zero one) yields no chunks. Chunk size is capped at MaxChunkSize.
func (c *Conn) ReadRequestBody() func(yield func([]byte, error) bool) {
	return func(yield func([]byte, error) bool) {
		clStr, ok := c.Request.Headers.First("Content-Length")
		if !ok {
			return
		}
		remaining, err := strconv.ParseInt(clStr, 10, 64)
		if err != nil || remaining <= 0 {
			return
		}

		buf := make([]byte, MaxChunkSize)
		for remaining > 0 {
			n := int64(len(buf))
			if remaining < n {
				n = remaining
			}
			read, err := io.ReadFull(c.Reader, buf[:n])
			if read > 0 {
				chunk := make([]byte, read)
				copy(chunk, buf[:read])
				if !yield(chunk, nil) {
					return
				}
			}
			if err != nil {
				yield(nil, err)
				return
			}
			remaining -= int64(read)
		}
	}
}

// WriteResponse appends bytes to the buffered client writer without
// flushing. Once any byte has passed through here, header mutation by the
// handler is no longer observable (spec invariant (iii)).
func (c *Conn) WriteResponse(b []byte) error {
	_, err := c.Writer.Write(b)
	return err
}

// FlushResponse commits any pending buffered bytes to the client socket.
func (c *Conn) FlushResponse() error {
	return c.Writer.Flush()
}

// MaxChunkSize is the maximum size of a single relayed body chunk, per
// spec.md §6's configuration constants.
const MaxChunkSize = 4096
