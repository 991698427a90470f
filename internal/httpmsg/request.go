package httpmsg

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Request is a parsed HTTP/1.1 request line plus header block.
//
// Host and Port always reflect routing authority: for a CONNECT request
// they come from the CONNECT target; for a direct-form request they come
// from the absolute-URI target. After a CONNECT→TLS upgrade, the acceptor
// overwrites Scheme/Host/Port from the CONNECT line on the inner request
// (see internal/acceptor) regardless of what the inner request line or its
// Host header say — spec invariant (iv).
type Request struct {
	Method  string
	Version string
	Scheme  string // "http" or "https"
	Host    string
	Port    uint16
	URL     string // absolute URI (direct form) or origin-form path (CONNECT inner request)
	Headers Header
}

// ParseRequestLine parses one CRLF-stripped request line. CONNECT targets
// are split once on the last colon into host/port; other methods have
// their target parsed as an absolute URI, with port defaulting to 80.
func ParseRequestLine(line string) (*Request, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return nil, fmt.Errorf("httpmsg: malformed request line %q", line)
	}
	method, target, version := parts[0], parts[1], parts[2]

	req := &Request{Method: method, Version: version}

	if method == "CONNECT" {
		idx := strings.LastIndexByte(target, ':')
		if idx < 0 {
			return nil, fmt.Errorf("httpmsg: malformed CONNECT target %q", target)
		}
		host, portStr := target[:idx], target[idx+1:]
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("httpmsg: invalid CONNECT port %q: %w", portStr, err)
		}
		req.Scheme = "https"
		req.Host = host
		req.Port = uint16(port)
		req.URL = target
		return req, nil
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("httpmsg: invalid request target %q: %w", target, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("httpmsg: request target %q is not absolute-form", target)
	}

	req.Scheme = "http"
	req.Host = u.Hostname()
	req.URL = target
	if p := u.Port(); p != "" {
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("httpmsg: invalid target port %q: %w", p, err)
		}
		req.Port = uint16(port)
	} else {
		req.Port = 80
	}
	return req, nil
}

// ParseOriginFormRequestLine parses one CRLF-stripped request line in
// origin-form ("GET /path HTTP/1.1"), as sent by a client inside an
// already-established CONNECT tunnel. It does not require or parse an
// authority component: the CONNECT target is the routing authority, and the
// acceptor overwrites Scheme/Host/Port on the returned Request immediately
// after calling this (spec invariant (iv)) — ParseRequestLine's
// absolute-form requirement would reject every such line outright.
func ParseOriginFormRequestLine(line string) (*Request, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return nil, fmt.Errorf("httpmsg: malformed request line %q", line)
	}
	return &Request{Method: parts[0], Version: parts[2], URL: parts[1]}, nil
}

// RequestLine re-serializes the request line as it should be written
// upstream: "METHOD URL VERSION\r\n".
func (r *Request) RequestLine() []byte {
	return []byte(r.Method + " " + r.URL + " " + r.Version + "\r\n")
}
