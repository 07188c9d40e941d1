// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sdk

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/exthost/broker"
	"github.com/bureau-foundation/exthost/lib/apierror"
)

// Cookie names used by UserID and SessionID.
const (
	UserCookie    = "_exthost_uid"
	SessionCookie = "_exthost_sid"
)

// userCookieLifetime is how long the UserID cookie is kept.
const userCookieLifetime = 10 * 365 * 24 * time.Hour

// Connection is one inbound HTTP request routed to this extension.
// The response is started by the first Write, using the status and
// headers set before it. A Connection belongs to the goroutine running
// its handler.
type Connection struct {
	host *Host
	ctx  context.Context
	info broker.ConnectionInfo

	// Header holds the request headers.
	Header http.Header

	// Cookies are the request cookies by name.
	Cookies map[string]string

	// Query is the parsed query string.
	Query url.Values

	// Args holds the named groups of the route regex matched against
	// the path.
	Args map[string]string

	status  int
	headers []broker.Header
	started bool
	closed  bool
}

func newConnection(ctx context.Context, host *Host, info broker.ConnectionInfo) *Connection {
	conn := &Connection{
		host:    host,
		ctx:     ctx,
		info:    info,
		Header:  http.Header(info.Headers),
		Cookies: map[string]string{},
		Query:   url.Values{},
		Args:    map[string]string{},
		status:  http.StatusOK,
	}
	if conn.Header == nil {
		conn.Header = http.Header{}
	}
	for _, cookie := range (&http.Request{Header: conn.Header}).Cookies() {
		conn.Cookies[cookie.Name] = cookie.Value
	}
	if parsed, err := url.Parse(info.Path); err == nil {
		conn.Query = parsed.Query()
	}
	if route, err := regexp.Compile(`^(?:` + info.RouteRegex + `)`); err == nil {
		if match := route.FindStringSubmatch(info.Path); match != nil {
			for i, group := range route.SubexpNames() {
				if group != "" {
					conn.Args[group] = match[i]
				}
			}
		}
	}
	return conn
}

// Path is the request path below "/<extension>", with query string.
func (c *Connection) Path() string { return c.info.Path }

// Method is the request method.
func (c *Connection) Method() string { return c.info.Method }

// ClientAddress is the remote address of the client.
func (c *Connection) ClientAddress() string { return c.info.ClientAddress }

// Handle identifies the connection to the broker.
func (c *Connection) Handle() string { return c.info.Handle }

// Read reads request body bytes.
func (c *Connection) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var data []byte
	if err := c.host.call(c.ctx, "connection_read", &data, c.info.Handle, min(len(p), broker.MaxReadSize)); err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

// ReadAll reads the rest of the request body.
func (c *Connection) ReadAll() ([]byte, error) {
	return io.ReadAll(c)
}

// ReceiveJSON decodes the request body into target.
func (c *Connection) ReceiveJSON(target any) error {
	body, err := c.ReadAll()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, target); err != nil {
		return apierror.InvalidArgument("request body is not JSON: %v", err)
	}
	return nil
}

// SetStatus sets the response status. It has no effect once the
// response has started.
func (c *Connection) SetStatus(code int) { c.status = code }

// AddHeader adds a response header. It has no effect once the
// response has started.
func (c *Connection) AddHeader(name, value string) {
	c.headers = append(c.headers, broker.Header{name, value})
}

// SetCookie adds a Set-Cookie response header.
func (c *Connection) SetCookie(cookie *http.Cookie) {
	if value := cookie.String(); value != "" {
		c.AddHeader("Set-Cookie", value)
	}
}

// UserID returns a long-lived identifier for the client, issuing a
// cookie for it on first sight.
func (c *Connection) UserID() string {
	return c.identify(UserCookie, time.Now().Add(userCookieLifetime))
}

// SessionID returns an identifier for the client's browser session,
// issuing a session cookie for it on first sight.
func (c *Connection) SessionID() string {
	return c.identify(SessionCookie, time.Time{})
}

func (c *Connection) identify(cookieName string, expires time.Time) string {
	if id, ok := c.Cookies[cookieName]; ok && id != "" {
		return id
	}
	id := uuid.NewString()
	c.Cookies[cookieName] = id
	c.SetCookie(&http.Cookie{Name: cookieName, Value: id, Path: "/", Expires: expires, HttpOnly: true})
	return id
}

func (c *Connection) begin() error {
	if c.started {
		return nil
	}
	if err := c.host.call(c.ctx, "connection_begin_response", nil, c.info.Handle, c.status, c.headers); err != nil {
		return err
	}
	c.started = true
	return nil
}

// Write sends response body bytes, starting the response first if
// needed.
func (c *Connection) Write(p []byte) (int, error) {
	if err := c.begin(); err != nil {
		return 0, err
	}
	var n int
	if err := c.host.call(c.ctx, "connection_write", &n, c.info.Handle, p); err != nil {
		return n, err
	}
	return n, nil
}

// Send writes body as a complete response of the given content type.
func (c *Connection) Send(contentType string, body []byte) error {
	c.AddHeader("Content-Type", contentType)
	c.AddHeader("Content-Length", strconv.Itoa(len(body)))
	if _, err := c.Write(body); err != nil {
		return err
	}
	return c.Close()
}

// SendText sends text as text/plain.
func (c *Connection) SendText(text string) error {
	return c.Send("text/plain; charset=utf-8", []byte(text))
}

// SendHTML sends html as text/html.
func (c *Connection) SendHTML(html string) error {
	return c.Send("text/html; charset=utf-8", []byte(html))
}

// SendJSON sends value encoded as JSON.
func (c *Connection) SendJSON(value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return apierror.InvalidArgument("encoding response: %v", err)
	}
	return c.Send("application/json", body)
}

// Close completes the response. A response that never started is
// sent with the current status and headers and no body.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.begin(); err != nil {
		return err
	}
	return c.host.call(c.ctx, "connection_close", nil, c.info.Handle)
}

// HandlerFunc serves one connection.
type HandlerFunc func(conn *Connection)

type route struct {
	methodRegex string
	routeRegex  string
	method      *regexp.Regexp
	route       *regexp.Regexp
	handler     HandlerFunc
}

// mux multiplexes every Handle registration over one broker listener.
type mux struct {
	routes []route
}

// Handle serves requests whose method and route match the given
// regular expressions (anchored at the start). All Handle routes share
// one listener and are tried in registration order; a request matching
// none of them gets a 404. Each connection runs its handler on a new
// goroutine and is closed when the handler returns.
func (h *Host) Handle(methodRegex, routeRegex string, handler HandlerFunc) error {
	method, err := regexp.Compile(`^(?:` + methodRegex + `)`)
	if err != nil {
		return apierror.InvalidArgument("method regex %q: %v", methodRegex, err)
	}
	routeRe, err := regexp.Compile(`^(?:` + routeRegex + `)`)
	if err != nil {
		return apierror.InvalidArgument("route regex %q: %v", routeRegex, err)
	}

	h.muxMu.Lock()
	defer h.muxMu.Unlock()
	if h.mux == nil {
		h.mux = &mux{}
		go h.listen(".*", ".*", h.dispatchMux)
	}
	h.mux.routes = append(h.mux.routes, route{
		methodRegex: methodRegex,
		routeRegex:  routeRegex,
		method:      method,
		route:       routeRe,
		handler:     handler,
	})
	return nil
}

// Listen serves requests matching the given regular expressions on a
// listener of its own, so they never queue behind Handle routes.
func (h *Host) Listen(methodRegex, routeRegex string, handler HandlerFunc) {
	go h.listen(methodRegex, routeRegex, func(info broker.ConnectionInfo) {
		h.serve(info, handler)
	})
}

func (h *Host) dispatchMux(info broker.ConnectionInfo) {
	h.muxMu.Lock()
	routes := h.mux.routes
	h.muxMu.Unlock()

	for _, candidate := range routes {
		if candidate.method.MatchString(info.Method) && candidate.route.MatchString(info.Path) {
			info.MethodRegex = candidate.methodRegex
			info.RouteRegex = candidate.routeRegex
			h.serve(info, candidate.handler)
			return
		}
	}
	h.serve(info, func(conn *Connection) {
		conn.SetStatus(http.StatusNotFound)
		conn.SendText("not found\n")
	})
}

func (h *Host) serve(info broker.ConnectionInfo, handler HandlerFunc) {
	go func() {
		conn := newConnection(h.ctx, h, info)
		defer func() {
			if err := conn.Close(); err != nil {
				h.logger.Debug("closing connection", "path", info.Path, "error", err)
			}
		}()
		handler(conn)
	}()
}

func (h *Host) listen(methodRegex, routeRegex string, deliver func(broker.ConnectionInfo)) {
	for {
		var info broker.ConnectionInfo
		err := h.call(h.ctx, "connection_get", &info, methodRegex, routeRegex)
		if err != nil {
			// Cancellation, a closed transport, a revoked token and a
			// bad regex all end the listener for good.
			if h.ctx.Err() == nil {
				h.logger.Warn("connection listener stopped", "method", methodRegex, "route", routeRegex, "error", err)
			}
			return
		}
		deliver(info)
	}
}

// ServeStatic serves files below dir under the URL prefix urlPrefix,
// for example ServeStatic("/static", "static").
func (h *Host) ServeStatic(urlPrefix, dir string) error {
	prefix := "/" + strings.Trim(urlPrefix, "/") + "/"
	if prefix == "//" {
		prefix = "/"
	}
	return h.Handle("GET|HEAD", regexp.QuoteMeta(prefix)+`(?P<file>[^?]+)`, func(conn *Connection) {
		name := path.Clean("/" + conn.Args["file"])
		data, err := h.ReadFile(conn.ctx, path.Join(dir, name))
		if err != nil {
			conn.SetStatus(http.StatusNotFound)
			conn.SendText("not found\n")
			return
		}
		contentType := mime.TypeByExtension(path.Ext(name))
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}
		conn.Send(contentType, data)
	})
}
