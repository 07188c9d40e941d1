// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/bureau-foundation/exthost/lib/apierror"
)

// ClaimStatus is the outcome of one claim attempt by the router.
type ClaimStatus int

const (
	// ClaimNone: no registration of the extension matches.
	ClaimNone ClaimStatus = iota
	// ClaimBusy: matching registrations exist but all are claimed.
	ClaimBusy
	// ClaimOK: a registration was claimed.
	ClaimOK
)

// Header is one response header as a name/value pair.
type Header [2]string

// ConnectionInfo describes a claimed request to the extension that
// registered for it.
type ConnectionInfo struct {
	Handle string `json:"handle"`

	// Path is the request URI with the leading "/<extension>"
	// removed, including any query string.
	Path          string              `json:"path"`
	Method        string              `json:"method"`
	MethodRegex   string              `json:"method_regex"`
	RouteRegex    string              `json:"route_regex"`
	Headers       map[string][]string `json:"headers"`
	ClientAddress string              `json:"client_address"`
}

// registration is a pending connection until claimed, and the live
// connection afterwards.
type registration struct {
	handle      string
	owner       string
	method      *regexp.Regexp
	route       *regexp.Regexp
	methodRegex string
	routeRegex  string

	// claimed is guarded by Broker.connectionMu; it flips once.
	claimed   bool
	claimedCh chan struct{}

	done     chan struct{}
	doneOnce sync.Once

	// Set at claim time, before claimedCh closes.
	request *http.Request
	writer  http.ResponseWriter
	path    string

	mu       sync.Mutex
	started  bool
	finished bool
}

func (r *registration) finish() {
	r.mu.Lock()
	r.finished = true
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
}

// Claim is the router's hold on a claimed registration.
type Claim struct {
	reg *registration
}

// Done is closed when the extension finishes the connection or is
// unregistered.
func (c *Claim) Done() <-chan struct{} { return c.reg.done }

// Started reports whether the extension began a response. Once Done
// is closed the answer is final.
func (c *Claim) Started() bool {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	return c.reg.started
}

// Handle identifies the claimed registration.
func (c *Claim) Handle() string { return c.reg.handle }

func compileAnchored(kind, pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(`^(?:` + pattern + `)`)
	if err != nil {
		return nil, apierror.InvalidArgument("%s regex %q: %v", kind, pattern, err)
	}
	return re, nil
}

// RegistrationChanged returns a channel closed the next time a
// registration is added or a claim is released. Take the channel
// before scanning so a change during the scan is not missed.
func (b *Broker) RegistrationChanged() <-chan struct{} {
	b.connectionMu.Lock()
	defer b.connectionMu.Unlock()
	return b.changed
}

// notifyLocked wakes RegistrationChanged waiters. Requires connectionMu.
func (b *Broker) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// ConnectionGet registers the caller for requests whose method and
// route match the given regular expressions (both anchored at the
// start) and blocks until a request claims the registration.
func (b *Broker) ConnectionGet(ctx context.Context, token, methodRegex, routeRegex string) (ConnectionInfo, error) {
	name, err := b.Resolve(token)
	if err != nil {
		return ConnectionInfo{}, err
	}
	method, err := compileAnchored("method", methodRegex)
	if err != nil {
		return ConnectionInfo{}, err
	}
	route, err := compileAnchored("route", routeRegex)
	if err != nil {
		return ConnectionInfo{}, err
	}
	handle, err := newToken()
	if err != nil {
		return ConnectionInfo{}, apierror.Internal("minting handle: %w", err)
	}

	reg := &registration{
		handle:      handle,
		owner:       name,
		method:      method,
		route:       route,
		methodRegex: methodRegex,
		routeRegex:  routeRegex,
		claimedCh:   make(chan struct{}),
		done:        make(chan struct{}),
	}
	b.connectionMu.Lock()
	b.connections[handle] = reg
	b.notifyLocked()
	b.connectionMu.Unlock()

	select {
	case <-reg.claimedCh:
	case <-reg.done:
		return ConnectionInfo{}, apierror.NotFound("connection registration ended: extension %s stopped", name)
	case <-ctx.Done():
		b.connectionMu.Lock()
		claimed := reg.claimed
		if !claimed {
			delete(b.connections, handle)
		}
		b.connectionMu.Unlock()
		// A claim that raced the cancellation has nobody to serve
		// it; end it so the router releases the request.
		if claimed {
			reg.finish()
		}
		return ConnectionInfo{}, apierror.Transport("connection wait abandoned: %v", ctx.Err())
	}

	return ConnectionInfo{
		Handle:        handle,
		Path:          reg.path,
		Method:        reg.request.Method,
		MethodRegex:   methodRegex,
		RouteRegex:    routeRegex,
		Headers:       reg.request.Header.Clone(),
		ClientAddress: reg.request.RemoteAddr,
	}, nil
}

// Claim tries once to bind an inbound request for extension name to
// a waiting registration. path is the request URI with "/<name>"
// removed; it is what the route regex is matched against.
func (b *Broker) Claim(name string, writer http.ResponseWriter, request *http.Request, path string) (*Claim, ClaimStatus) {
	b.connectionMu.Lock()
	defer b.connectionMu.Unlock()

	busy := false
	for _, reg := range b.connections {
		if reg.owner != name || !reg.method.MatchString(request.Method) || !reg.route.MatchString(path) {
			continue
		}
		if reg.claimed {
			busy = true
			continue
		}
		reg.claimed = true
		reg.request = request
		reg.writer = writer
		reg.path = path
		close(reg.claimedCh)
		return &Claim{reg: reg}, ClaimOK
	}
	if busy {
		return nil, ClaimBusy
	}
	return nil, ClaimNone
}

// Release ends a claim from the router's side: the registration is
// removed and further reads and writes by the extension fail. It must
// be called before the HTTP handler returns.
func (b *Broker) Release(claim *Claim) {
	claim.reg.finish()
	b.connectionMu.Lock()
	delete(b.connections, claim.reg.handle)
	b.notifyLocked()
	b.connectionMu.Unlock()
}

// live returns the claimed, unfinished registration for handle owned by
// token's extension, with reg.mu held. The caller must unlock it.
func (b *Broker) live(token, handle string) (*registration, error) {
	name, err := b.Resolve(token)
	if err != nil {
		return nil, err
	}
	b.connectionMu.Lock()
	reg, ok := b.connections[handle]
	if ok && (reg.owner != name || !reg.claimed) {
		ok = false
	}
	b.connectionMu.Unlock()
	if !ok {
		return nil, apierror.NotFound("no connection %q", handle)
	}
	reg.mu.Lock()
	if reg.finished {
		reg.mu.Unlock()
		return nil, apierror.NotFound("connection %q is closed", handle)
	}
	return reg, nil
}

// ConnectionRead reads up to length bytes of the request body (capped
// at MaxReadSize). An empty result means the body is exhausted.
func (b *Broker) ConnectionRead(token, handle string, length int) ([]byte, error) {
	reg, err := b.live(token, handle)
	if err != nil {
		return nil, err
	}
	defer reg.mu.Unlock()

	if length < 0 || length > MaxReadSize {
		length = MaxReadSize
	}
	buffer := make([]byte, length)
	n, err := io.ReadFull(reg.request.Body, buffer)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, apierror.Transport("reading request body: %v", err)
	}
	return buffer[:n], nil
}

// ConnectionBeginResponse sends the status line and headers. It may be
// called once per connection.
func (b *Broker) ConnectionBeginResponse(token, handle string, status int, headers []Header) error {
	if status < 100 || status > 999 {
		return apierror.InvalidArgument("invalid status code %d", status)
	}
	reg, err := b.live(token, handle)
	if err != nil {
		return err
	}
	defer reg.mu.Unlock()

	if reg.started {
		return apierror.InvalidArgument("response already started")
	}
	for _, header := range headers {
		if header[0] == "" || strings.ContainsAny(header[0], "\r\n:") || strings.ContainsAny(header[1], "\r\n") {
			return apierror.InvalidArgument("invalid header %q", header[0])
		}
	}
	for _, header := range headers {
		reg.writer.Header().Add(header[0], header[1])
	}
	reg.writer.WriteHeader(status)
	reg.started = true
	return nil
}

// ConnectionWrite writes response body bytes and flushes them to the
// client. The response must have been started.
func (b *Broker) ConnectionWrite(token, handle string, data []byte) (int, error) {
	reg, err := b.live(token, handle)
	if err != nil {
		return 0, err
	}
	defer reg.mu.Unlock()

	if !reg.started {
		return 0, apierror.InvalidArgument("response not started")
	}
	n, err := reg.writer.Write(data)
	if err != nil {
		return n, apierror.Transport("writing response: %v", err)
	}
	if err := http.NewResponseController(reg.writer).Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, apierror.Transport("flushing response: %v", err)
	}
	return n, nil
}

// ConnectionClose marks the connection complete, releasing the waiting
// router.
func (b *Broker) ConnectionClose(token, handle string) error {
	reg, err := b.live(token, handle)
	if err != nil {
		return err
	}
	reg.mu.Unlock()
	reg.finish()
	return nil
}

func (b *Broker) endConnectionsOwnedBy(name string) {
	b.connectionMu.Lock()
	var owned []*registration
	for handle, reg := range b.connections {
		if reg.owner == name {
			owned = append(owned, reg)
			// Claimed registrations stay until the router releases
			// them; pending ones go now.
			if !reg.claimed {
				delete(b.connections, handle)
			}
		}
	}
	b.connectionMu.Unlock()

	for _, reg := range owned {
		reg.finish()
	}
}
