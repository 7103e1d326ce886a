// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package xdm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/xdm/codec"
	"github.com/creachadair/xdm/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ProxyFunctionsID is the reserved instance ID through which function
// proxies encoded by a channel are invoked.
const ProxyFunctionsID = "__proxyFunctions"

// ErrChannelClosed is reported by calls on a channel that has been removed
// from its manager.
var ErrChannelClosed = errors.New("channel closed")

// A Window is a handle to a frame that can receive posted messages.
//
// Window values are compared with == to match the source of an inbound
// message to a channel, so implementations must be comparable, and the same
// frame must always be represented by equal handles.
type Window interface {
	// PostMessage delivers data to the frame. If targetOrigin is not "*",
	// the message is delivered only if the frame's origin matches it.
	PostMessage(data []byte, targetOrigin string) error
}

// A Channel is an RPC endpoint bound to one target frame. Channels are
// created by [Manager.AddChannel] and discarded by [Manager.RemoveChannel].
//
// A channel created without a known target origin is untrusted: it holds a
// handshake token, attaches it to outbound requests, and accepts inbound
// messages only if they carry the same token. The first such message pins
// the target origin to the origin it was received from, and the channel is
// trusted thereafter.
//
// Call InvokeRemoteMethod to invoke a method of an object registered on the
// other side. The methods of a Channel are safe for concurrent use by
// multiple goroutines.
type Channel struct {
	id      int
	mgr     *Manager
	target  Window
	objects *registry.Registry
	limiter *rate.Limiter // nil if requests are not limited
	tasks   *taskgroup.Group

	μ         sync.Mutex
	origin    string                // "" until known
	token     string                // "" unless created without an origin
	closed    bool                  // removed from the manager
	ocall     map[int]*Call         // outbound calls pending responses
	nextMsg   int                   // last message ID assigned
	proxies   map[string]codec.Func // proxy name → function
	nextProxy int                   // last proxy ID assigned
}

// ID returns the process-unique ID of c.
func (c *Channel) ID() int { return c.id }

// Target returns the window c is bound to.
func (c *Channel) Target() Window { return c.target }

// Registry returns the object registry of c. Objects registered here are
// visible only to requests received on c, and take precedence over objects
// registered globally with the manager.
func (c *Channel) Registry() *registry.Registry { return c.objects }

// Origin returns the target origin of c, or "" if it is not yet known.
func (c *Channel) Origin() string {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.origin
}

// Trusted reports whether the target origin of c is known.
func (c *Channel) Trusted() bool { return c.Origin() != "" }

// Token returns the handshake token of c, or "" if c was created with a
// known target origin.
func (c *Channel) Token() string {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.token
}

// SetHandshakeToken replaces the handshake token of an untrusted channel
// with tok, and returns c to permit chaining. This allows both ends of a
// connection to share a token delivered out of band. It has no effect once
// the target origin is known.
func (c *Channel) SetHandshakeToken(tok string) *Channel {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.origin == "" && tok != "" {
		c.token = tok
	}
	return c
}

// CallOptions are optional settings for a remote call. A nil *CallOptions
// is valid and provides default values.
type CallOptions struct {
	// Context data passed to the factory of the remote instance.
	InstanceContext any

	// Settings for encoding the parameters, and for the remote side to use
	// when encoding its reply.
	Settings codec.Settings
}

func (o *CallOptions) instanceContext() any {
	if o == nil {
		return nil
	}
	return o.InstanceContext
}

func (o *CallOptions) settings() codec.Settings {
	if o == nil {
		return codec.Settings{}
	}
	return o.Settings
}

// InvokeRemoteMethod calls the named method of the object registered as
// instanceID on the other side of c, with the given parameters, and blocks
// until the reply arrives or ctx ends. If method == "", the reply is the
// remote object itself, with its methods replaced by proxies.
//
// If ctx ends before the reply arrives, the call is abandoned and any later
// reply is discarded. An error reported by InvokeRemoteMethod has concrete
// type *CallError.
func (c *Channel) InvokeRemoteMethod(ctx context.Context, method, instanceID string, params []any, opts *CallOptions) (_ any, err error) {
	ctx, span := c.mgr.startSpan(ctx, "xdm.invoke", trace.SpanKindClient, c, instanceID, method)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return c.Go(method, instanceID, params, opts).Wait(ctx)
}

// GetRemoteObjectProxy fetches the object registered as instanceID on the
// other side of c. The contextData value is passed to the remote factory, if
// the instance is registered as one.
func (c *Channel) GetRemoteObjectProxy(ctx context.Context, instanceID string, contextData any) (any, error) {
	return c.InvokeRemoteMethod(ctx, "", instanceID, nil, &CallOptions{InstanceContext: contextData})
}

// Go sends a call to the other side of c without waiting for the reply.
// The reply is delivered to the returned Call. If the request could not be
// sent, the Call is already complete with an error.
func (c *Channel) Go(method, instanceID string, params []any, opts *CallOptions) *Call {
	rootMetrics.callOut.Add(1)
	call := &Call{Method: method, InstanceID: instanceID, ch: c, done: make(chan struct{})}

	// Phase 1: Check for closure and acquire state.
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		call.settle(nil, callError(ErrChannelClosed))
		return call
	}
	c.nextMsg++
	call.ID = c.nextMsg
	token := c.tokenLocked()
	c.ocall[call.ID] = call
	rootMetrics.callPending.Add(1)
	c.μ.Unlock()

	// Encode and send the request. Note we MUST NOT hold the state lock while
	// doing this, since encoding registers proxies and sending may block.
	settings := opts.settings()
	enc := c.encoder(settings)
	msg := &Message{
		ID:             call.ID,
		InstanceID:     instanceID,
		MethodName:     method,
		HandshakeToken: token,
		Settings:       &settings,
	}
	err := func() error {
		var err error
		if params != nil {
			if msg.Params, err = json.Marshal(enc.EncodeAll(params)); err != nil {
				return fmt.Errorf("encoding params: %w", err)
			}
		}
		if v, ok := enc.Encode(opts.instanceContext()); ok {
			if msg.InstanceContext, err = json.Marshal(v); err != nil {
				return fmt.Errorf("encoding instance context: %w", err)
			}
		}
		return c.mgr.send(c, msg)
	}()

	// Phase 2: Check for an error in the send, and release state if it failed.
	if err != nil {
		if _, ok := c.release(call.ID); ok {
			call.settle(nil, callError(err))
		}
	}
	return call
}

// tokenLocked returns the token to attach to an outbound request: the
// handshake token while untrusted, otherwise "".
func (c *Channel) tokenLocked() string {
	if c.origin != "" {
		return ""
	}
	return c.token
}

// release removes and returns the pending call for id, and reports whether
// it was present. Only the caller that releases a call may settle it.
func (c *Channel) release(id int) (*Call, bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	call, ok := c.ocall[id]
	if !ok {
		return nil, false
	}
	delete(c.ocall, id)
	rootMetrics.callPending.Add(-1)
	return call, true
}

func (c *Channel) encoder(s codec.Settings) codec.Encoder {
	return codec.Encoder{ChannelID: c.id, Settings: s, Register: c.registerProxy}
}

func (c *Channel) decoder() codec.Decoder {
	return codec.Decoder{Proxy: c.remoteProxy}
}

// registerProxy records f as a function proxy callable by the other side of
// c, and returns its ID.
func (c *Channel) registerProxy(f codec.Func) int {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.proxies == nil {
		c.proxies = make(map[string]codec.Func)
	}
	c.nextProxy++
	c.proxies[proxyName(c.nextProxy)] = f
	return c.nextProxy
}

// remoteProxy returns a function that invokes proxy id on the other side of c.
func (c *Channel) remoteProxy(id int) codec.Func {
	name := proxyName(id)
	return func(ctx context.Context, args ...any) (any, error) {
		if args == nil {
			args = []any{}
		}
		return c.InvokeRemoteMethod(ctx, name, ProxyFunctionsID, args, &CallOptions{
			Settings: codec.Settings{IncludeUnderscoreProperties: true},
		})
	}
}

func proxyName(id int) string { return "proxy" + strconv.Itoa(id) }

// proxyTable exposes the function proxies of a channel as an object.
type proxyTable struct{ c *Channel }

// Member implements the [codec.Namespace] interface.
func (p proxyTable) Member(name string) (any, bool) {
	p.c.μ.Lock()
	defer p.c.μ.Unlock()
	f, ok := p.c.proxies[name]
	return f, ok
}

// getRegisteredObject resolves the registry entry for id. The proxy table
// takes precedence, then the registry of c, then the global registry.
func (c *Channel) getRegisteredObject(id string) (registry.Entry, bool) {
	if id == ProxyFunctionsID {
		return registry.Value(proxyTable{c}), true
	} else if e, ok := c.objects.Lookup(id); ok {
		return e, true
	}
	return c.mgr.Registry().Lookup(id)
}

// owns reports whether msg, received from source with the given origin,
// belongs to c. If c is untrusted and msg carries its handshake token, owns
// pins the target origin of c to origin as a side effect.
func (c *Channel) owns(source Window, origin string, msg *Message) bool {
	if source != c.target {
		return false
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.origin != "" {
		return originMatches(c.origin, origin)
	}
	if c.token != "" && msg.HandshakeToken == c.token {
		c.origin = origin
		rootMetrics.handshakes.Add(1)
		c.mgr.logger().Debug("xdm: handshake complete", "channel", c.id, "origin", origin)
		return true
	}
	return false
}

// originMatches reports whether a message from origin matches the known
// target origin. Sandboxed frames report the origin "null", which matches
// any target.
func originMatches(known, origin string) bool {
	if strings.EqualFold(origin, "null") {
		return true
	}
	return origin != "" && len(origin) <= len(known) && strings.EqualFold(known[:len(origin)], origin)
}

// onMessage handles a message owned by c, and reports whether it was
// handled. A request is handled if its instance is registered; a response
// is handled if it matches a pending call.
func (c *Channel) onMessage(msg *Message) bool {
	if msg.IsRequest() {
		return c.handleRequest(msg)
	}
	return c.handleResponse(msg)
}

func (c *Channel) handleResponse(msg *Message) bool {
	call, ok := c.release(msg.ID)
	if !ok {
		return false
	}

	if msg.HasError() {
		var v any
		if err := json.Unmarshal(msg.Error, &v); err != nil {
			call.settle(nil, callError(fmt.Errorf("invalid error payload: %w", err)))
		} else {
			v = c.decoder().Decode(v, nil)
			call.settle(nil, &CallError{ErrorData: decodeErrorData(v)})
		}
		return true
	}

	var v any
	if present(msg.Result) {
		if err := json.Unmarshal(msg.Result, &v); err != nil {
			call.settle(nil, callError(fmt.Errorf("invalid result payload: %w", err)))
			return true
		}
	}
	call.settle(c.decoder().Decode(v, nil), nil)
	return true
}

func (c *Channel) handleRequest(msg *Message) bool {
	entry, ok := c.getRegisteredObject(msg.InstanceID)
	if !ok {
		return false
	}
	rootMetrics.callIn.Add(1)
	if c.limiter != nil && !c.limiter.Allow() {
		rootMetrics.callInErr.Add(1)
		c.respondError(msg, ErrorData{Message: "rate limit exceeded"})
		return true
	}

	// Start a goroutine to service the request. The target may be a factory
	// that blocks, and the method may call back to the other side, so the
	// request must not hold up delivery of further messages.
	ctx := context.WithValue(c.mgr.baseContext(), channelContextKey{}, c)
	rootMetrics.callActive.Add(1)
	c.tasks.Go(func() error {
		defer rootMetrics.callActive.Add(-1)
		c.dispatch(ctx, msg, entry)
		return nil
	})
	return true
}

// dispatch resolves the target of a request and invokes the requested
// method, then sends exactly one response.
func (c *Channel) dispatch(ctx context.Context, msg *Message, entry registry.Entry) {
	ctx, span := c.mgr.startSpan(ctx, "xdm.dispatch", trace.SpanKindServer, c, msg.InstanceID, msg.MethodName)
	defer span.End()

	result, err := func() (_ any, err error) {
		// Ensure a panic out of a factory or method is turned into a graceful
		// response.
		defer func() {
			if x := recover(); x != nil && err == nil {
				err = fmt.Errorf("handler panicked (recovered): %v", x)
			}
		}()

		var cdata any
		if present(msg.InstanceContext) {
			if err := json.Unmarshal(msg.InstanceContext, &cdata); err != nil {
				return nil, fmt.Errorf("invalid instance context: %w", err)
			}
			cdata = c.decoder().Decode(cdata, nil)
		}
		target, err := entry.Resolve(ctx, cdata)
		if err != nil {
			return nil, err
		} else if msg.MethodName == "" {
			return target, nil
		}

		member, _ := codec.Member(target, msg.MethodName)
		fn, ok := codec.AsFunc(member)
		if !ok {
			return nil, fmt.Errorf("RPC method not found: %s", msg.MethodName)
		}
		var args []any
		if present(msg.Params) {
			if err := json.Unmarshal(msg.Params, &args); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
			c.decoder().Decode(args, nil)
		}
		return fn(ctx, args...)
	}()

	if err != nil {
		rootMetrics.callInErr.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.respondError(msg, err)
		return
	}
	c.respond(msg, result)
}

// respond sends a successful reply to req carrying result.
func (c *Channel) respond(req *Message, result any) {
	rsp := &Message{ID: req.ID, HandshakeToken: req.HandshakeToken, Result: json.RawMessage("null")}
	if v, ok := c.encoder(req.settings()).Encode(result); ok {
		data, err := json.Marshal(v)
		if err != nil {
			c.respondError(req, fmt.Errorf("encoding result: %w", err))
			return
		}
		rsp.Result = data
	}
	c.post(rsp)
}

// respondError sends an error reply to req describing err.
func (c *Channel) respondError(req *Message, err error) {
	ed := errorDataOf(err)
	rsp := &Message{ID: req.ID, HandshakeToken: req.HandshakeToken}
	v, _ := c.encoder(req.settings()).Encode(ed)
	data, merr := json.Marshal(v)
	if merr != nil {
		// The auxiliary data could not be encoded; report the message alone.
		data, _ = json.Marshal(map[string]any{"message": ed.Message})
	}
	rsp.Error = data
	c.post(rsp)
}

func (c *Channel) post(rsp *Message) {
	if err := c.mgr.send(c, rsp); err != nil {
		c.mgr.logger().Warn("xdm: sending response failed", "channel", c.id, "id", rsp.ID, "error", err)
	}
}

// close marks c as closed and terminates its pending calls.
func (c *Channel) close() {
	c.μ.Lock()
	c.closed = true
	pending := c.ocall
	c.ocall = make(map[int]*Call)
	c.μ.Unlock()

	for _, call := range pending {
		rootMetrics.callPending.Add(-1)
		call.settle(nil, callError(ErrChannelClosed))
	}
}

// Wait blocks until all the requests c is currently servicing have been
// answered.
func (c *Channel) Wait() { c.tasks.Wait() }

// A Call is a pending call to the other side of a channel.
type Call struct {
	ID         int    // message ID of the request
	Method     string // method name, "" for an object fetch
	InstanceID string // remote instance ID

	ch     *Channel
	done   chan struct{}
	result any
	err    error
}

// Done returns a channel that is closed when c is complete.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until c is complete or ctx ends, and returns the result of the
// call. If ctx ends first, the call is abandoned: its message ID is released
// and a later reply is discarded.
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		if _, ok := c.ch.release(c.ID); ok {
			c.settle(nil, callError(ctx.Err()))
		}
		<-c.done
		return c.result, c.err
	}
}

// settle completes c. It must be called exactly once.
func (c *Call) settle(result any, err error) {
	if err != nil {
		rootMetrics.callOutErr.Add(1)
	}
	c.result, c.err = result, err
	close(c.done)
}

func callError(err error) *CallError { return &CallError{Err: err} }

// CallError is the concrete type of errors reported by remote calls. For
// errors reported by the remote side, Err is nil and ErrorData contains the
// details. Otherwise Err is the local failure, such as a canceled context or
// a closed channel.
type CallError struct {
	ErrorData
	Err error // nil for remote errors
}

// Unwrap reports the underlying error of c. If c.Err == nil, this is nil.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return c.Err.Error()
	}
	return fmt.Sprintf("remote error: %v", c.ErrorData.Error())
}

type channelContextKey struct{}

// ContextChannel returns the Channel associated with the given context, or
// nil if none is defined. The context passed to a method or factory serving
// a request has this value, so the method can call back to the requester.
func ContextChannel(ctx context.Context) *Channel {
	if v := ctx.Value(channelContextKey{}); v != nil {
		return v.(*Channel)
	}
	return nil
}

func spanAttrs(c *Channel, instanceID, method string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.Int("xdm.channel", c.id),
		attribute.String("xdm.instance", instanceID),
		attribute.String("xdm.method", method),
	)
}
