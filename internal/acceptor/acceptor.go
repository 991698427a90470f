// Package acceptor implements the connection state machine described by
// spec.md §4.D: it accepts a client, recognizes direct vs. CONNECT
// requests, performs the MITM TLS upgrade via the TLS store, and dispatches
// a freshly constructed handler per connection.
package acceptor

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/google/uuid"

	"mitmproxy/internal/handler"
	"mitmproxy/internal/httpmsg"
	"mitmproxy/internal/logging"
	"mitmproxy/internal/telemetry"
	"mitmproxy/internal/tlsstore"
)

// maxHeaderBlockBytes bounds how much header data NEW→PARSED will read
// before giving up on a malformed or abusive client, per spec.md §4.D's
// "header block exceeds implementation limits" clause.
const maxHeaderBlockBytes = 1 << 20 // 1 MiB

// HandlerBuilder constructs a fresh Handler for one connection, matching
// spec.md §6's "handler_builder is a zero-argument constructor."
type HandlerBuilder func() handler.Handler

// telemetryReceiver is implemented by forwarder.Default (see
// internal/forwarder) so the acceptor can hand every freshly built handler
// the shared Telemetry instance without HandlerBuilder itself needing to
// know about telemetry.
type telemetryReceiver interface {
	SetTelemetry(t *telemetry.Telemetry)
}

// Server is a running proxy acceptor bound to one listener.
type Server struct {
	ln    net.Listener
	store *tlsstore.Store
	build HandlerBuilder
	log   *logging.Logger
	tel   *telemetry.Telemetry
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithLogger attaches a logger; the default writes only error-level events
// to stderr.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithTelemetry attaches a Telemetry instance; the default records into a
// private Telemetry whose registry is not exposed anywhere.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Server) { s.tel = t }
}

// Start is the Go shape of spec.md §6's start_proxy_server: it binds
// host:port and begins accepting connections, dispatching each to its own
// goroutine. store is required whenever any CONNECT request will arrive
// (it may be nil for a proxy that only ever sees direct-form HTTP).
func Start(ctx context.Context, build HandlerBuilder, host string, port int, store *tlsstore.Store, opts ...Option) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("acceptor: listen on %s: %w", addr, err)
	}

	s := &Server{
		ln:    ln,
		store: store,
		build: build,
		log:   logging.New("ACCEPTOR", "error"), // error-level only unless overridden
		tel:   telemetry.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.acceptLoop(ctx)
	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Close stops accepting new connections. Connections already in flight run
// to completion.
func (s *Server) Close() error { return s.ln.Close() }

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.log.Warn("accept failed", "err", err.Error())
			return
		}

		s.tel.RecordConnection()
		go s.serve(ctx, conn)
	}
}

// serve drives one connection through the NEW→PARSED→…→READY state machine.
// It never blocks the acceptor's own loop, and it recovers from a panicking
// handler so one bad connection cannot take down the server (spec.md §7).
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	connID := uuid.New().String()
	log := s.log.With("conn_id", connID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", "recover", fmt.Sprint(r))
		}
		conn.Close()
	}()

	reader := bufio.NewReader(conn)

	// NEW → PARSED
	line, err := readLine(reader)
	if err != nil {
		// Client disconnected before a request line: silent termination,
		// per spec.md §4.D and §7(ii).
		return
	}
	if line == "" {
		return
	}

	req, err := httpmsg.ParseRequestLine(line)
	if err != nil {
		log.Warn("malformed request line", "err", err.Error())
		return
	}

	headerBlock, err := readHeaderBlock(reader, maxHeaderBlockBytes)
	if err != nil {
		log.Warn("malformed or oversized header block", "err", err.Error())
		return
	}
	req.Headers = httpmsg.ParseHeaderBlock(headerBlock)

	writer := bufio.NewWriter(conn)

	if req.Method == "CONNECT" {
		connectHost := req.Host
		tlsConn, tlsReader, tlsWriter, inner, err := s.upgrade(conn, writer, req, log)
		if err != nil {
			log.Warn("TLS upgrade failed", "host", connectHost, "err", err.Error())
			s.tel.RecordError("tls")
			return
		}
		conn, reader, writer, req = tlsConn, tlsReader, tlsWriter, inner
	}

	s.dispatch(ctx, conn, reader, writer, req, log)
}

// upgrade performs PARSED→TUNNEL_ACK→TLS_UPGRADE→INNER for a CONNECT
// request: it acks the tunnel, mints/serves a leaf for the CONNECT target,
// performs the handshake, and parses the inner request line and headers
// off the now-decrypted stream. The returned request's scheme/host/port
// are always the CONNECT target's, never the inner request line's
// authority (spec invariant (iv)).
func (s *Server) upgrade(conn net.Conn, writer *bufio.Writer, outer *httpmsg.Request, log *logging.Logger) (net.Conn, *bufio.Reader, *bufio.Writer, *httpmsg.Request, error) {
	if s.store == nil {
		return nil, nil, nil, nil, fmt.Errorf("acceptor: CONNECT received but no TLS store configured")
	}

	if _, err := writer.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("acceptor: write CONNECT ack: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("acceptor: flush CONNECT ack: %w", err)
	}

	tlsCfg, err := s.store.GetTLSConfig(outer.Host)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("acceptor: mint certificate for %s: %w", outer.Host, err)
	}

	tlsConn := tls.Server(conn, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("acceptor: TLS handshake with client for %s: %w", outer.Host, err)
	}

	reader := bufio.NewReader(tlsConn)
	line, err := readLine(reader)
	if err != nil || line == "" {
		return nil, nil, nil, nil, fmt.Errorf("acceptor: read inner request line: %w", err)
	}

	inner, err := httpmsg.ParseOriginFormRequestLine(line)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("acceptor: parse inner request line: %w", err)
	}

	headerBlock, err := readHeaderBlock(reader, maxHeaderBlockBytes)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("acceptor: read inner headers: %w", err)
	}
	inner.Headers = httpmsg.ParseHeaderBlock(headerBlock)

	// Do not trust the inner request line's authority for routing: the
	// CONNECT target is canonical (spec invariant (iv)).
	inner.Scheme = "https"
	inner.Host = outer.Host
	inner.Port = outer.Port

	innerWriter := bufio.NewWriter(tlsConn)
	return tlsConn, reader, innerWriter, inner, nil
}

// dispatch builds the handler, binds the connection, and runs it to
// completion (READY state in spec.md §4.D).
func (s *Server) dispatch(ctx context.Context, conn net.Conn, reader *bufio.Reader, writer *bufio.Writer, req *httpmsg.Request, log *logging.Logger) {
	s.tel.RecordRequest(req.Scheme)

	h := s.build()
	if sb, ok := h.(handler.SelfBinder); ok {
		sb.BindSelf(h)
	}
	if tr, ok := h.(telemetryReceiver); ok {
		tr.SetTelemetry(s.tel)
	}

	hconn := &handler.Conn{
		Raw:     conn,
		Reader:  reader,
		Writer:  writer,
		Request: req,
	}
	h.Bind(hconn)

	defer func() {
		_ = hconn.FlushResponse()
	}()

	if err := h.OnClientConnected(ctx); err != nil {
		log.Warn("handler returned an error", "err", err.Error())
	}
}
