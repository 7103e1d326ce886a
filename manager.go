// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package xdm

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/xdm/registry"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"
)

// channelSeq assigns process-unique channel IDs.
var channelSeq atomic.Int64

// A Manager owns a set of channels and routes inbound messages to them.
// A zero-valued Manager is ready for use, but must not be copied after any
// method has been called.
//
// The host delivers each message received by the frame to Receive, which is
// the single listener for all channels of the manager. Objects registered in
// the manager's registry are visible to requests on every channel.
//
// The methods of a Manager are safe for concurrent use by multiple
// goroutines.
type Manager struct {
	objects registry.Registry

	μ        sync.Mutex
	channels []*Channel
	log      *slog.Logger
	mlog     MessageLogger
	base     func() context.Context
	limit    rate.Limit // 0 means unlimited
	burst    int
	tracer   trace.Tracer
}

// NewManager constructs a new empty manager.
func NewManager() *Manager { return new(Manager) }

var defaultManager = sync.OnceValue(NewManager)

// Default returns the process-wide default manager.
func Default() *Manager { return defaultManager() }

// Registry returns the global object registry of m.
func (m *Manager) Registry() *registry.Registry { return &m.objects }

// Metrics returns a metrics map for the manager. It is safe for the caller to
// add additional metrics to the map while the manager is active.
func (m *Manager) Metrics() *expvar.Map { return rootMetrics.emap }

// SetLogger sets the logger used for diagnostics. If lg == nil, diagnostics
// are written to the default slog logger. SetLogger returns m to permit
// chaining.
func (m *Manager) SetLogger(lg *slog.Logger) *Manager {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.log = lg
	return m
}

// LogMessages registers a callback that will be invoked for each message
// exchanged by the channels of m, including inbound messages that no channel
// claims. Passing a nil callback disables message logging.
//
// The message logger is invoked synchronously with delivery, prior to
// sending or dispatching the message.
func (m *Manager) LogMessages(log MessageLogger) *Manager {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.mlog = log
	return m
}

// NewContext registers a function that will be called to create a new base
// context for methods and factories serving requests. This allows host
// resources to be plumbed into a method. If it is not set a background
// context is used.
func (m *Manager) NewContext(base func() context.Context) *Manager {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.base = base
	return m
}

// LimitRequests limits the rate at which each channel subsequently added to
// m accepts requests. Requests in excess of the limit are answered with an
// error. A limit of 0 removes the limit.
func (m *Manager) LimitRequests(r rate.Limit, burst int) *Manager {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.limit, m.burst = r, burst
	return m
}

// SetTracer sets the tracer used to record spans for remote calls and the
// requests served by m. If t == nil, no spans are recorded.
func (m *Manager) SetTracer(t trace.Tracer) *Manager {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.tracer = t
	return m
}

// AddChannel adds a new channel to m bound to the target window.
//
// If origin is non-empty it is the known origin of the target, and the
// channel accepts only messages from that origin. Otherwise the channel is
// created untrusted, with a fresh handshake token.
func (m *Manager) AddChannel(target Window, origin string) *Channel {
	if target == nil {
		panic("xdm: nil target window")
	}
	c := &Channel{
		id:      int(channelSeq.Add(1)),
		mgr:     m,
		target:  target,
		objects: registry.New(),
		tasks:   taskgroup.New(nil),
		origin:  origin,
		ocall:   make(map[int]*Call),
	}
	if origin == "" {
		c.token = NewToken()
	}

	m.μ.Lock()
	defer m.μ.Unlock()
	if m.limit > 0 {
		c.limiter = rate.NewLimiter(m.limit, m.burst)
	}
	m.channels = append(m.channels, c)
	return c
}

// RemoveChannel removes ch from m. Pending calls on ch report
// [ErrChannelClosed], and inbound messages are no longer routed to it.
// It reports whether ch was present.
func (m *Manager) RemoveChannel(ch *Channel) bool {
	m.μ.Lock()
	i := slices.Index(m.channels, ch)
	if i >= 0 {
		m.channels = slices.Delete(m.channels, i, i+1)
	}
	m.μ.Unlock()

	if i < 0 {
		return false
	}
	ch.close()
	return true
}

// Channels returns a snapshot of the channels currently added to m, in order
// of addition.
func (m *Manager) Channels() []*Channel {
	m.μ.Lock()
	defer m.μ.Unlock()
	return slices.Clone(m.channels)
}

// Receive delivers a message received by the frame from the source window,
// whose origin is reported by the host. It reports whether any channel
// handled the message.
//
// Every channel that owns the message is given a chance to handle it. If a
// request is owned but no channel has a matching instance, the first owner
// answers it with an error. Messages that no channel owns are dropped.
func (m *Manager) Receive(source Window, origin string, data []byte) bool {
	rootMetrics.msgRecv.Add(1)
	var msg Message
	if err := msg.Decode(data); err != nil {
		rootMetrics.msgDropped.Add(1)
		m.logger().Debug("xdm: dropped invalid message", "origin", origin, "error", err)
		return false
	}

	var owners []*Channel
	for _, c := range m.Channels() {
		if c.owns(source, origin, &msg) {
			owners = append(owners, c)
		}
	}
	mlog := m.messageLogger()
	if len(owners) == 0 {
		rootMetrics.msgDropped.Add(1)
		if mlog != nil {
			mlog(MessageInfo{Message: &msg})
		}
		return false
	}

	handled := false
	for _, c := range owners {
		if mlog != nil {
			mlog(MessageInfo{Message: &msg, Channel: c.id})
		}
		if c.onMessage(&msg) {
			handled = true
		}
	}
	if !handled {
		if msg.IsRequest() {
			m.logger().Warn("xdm: request for unknown instance",
				"instance", msg.InstanceID, "method", msg.MethodName, "origin", origin)
			owners[0].respondError(&msg, fmt.Errorf("RPC instance not found: %s", msg.InstanceID))
		} else {
			m.logger().Warn("xdm: response for unknown call", "id", msg.ID, "origin", origin)
		}
	}
	return handled
}

// send posts msg to the target window of c.
func (m *Manager) send(c *Channel, msg *Message) error {
	data := msg.Encode()
	rootMetrics.msgSent.Add(1)
	if mlog := m.messageLogger(); mlog != nil {
		mlog(MessageInfo{Message: msg, Channel: c.id, Sent: true})
	}
	return c.target.PostMessage(data, "*")
}

func (m *Manager) logger() *slog.Logger {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.log == nil {
		return slog.Default()
	}
	return m.log
}

func (m *Manager) messageLogger() MessageLogger {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.mlog
}

func (m *Manager) baseContext() context.Context {
	m.μ.Lock()
	base := m.base
	m.μ.Unlock()
	if base == nil {
		return context.Background()
	}
	return base()
}

func (m *Manager) startSpan(ctx context.Context, name string, kind trace.SpanKind, c *Channel, instanceID, method string) (context.Context, trace.Span) {
	m.μ.Lock()
	t := m.tracer
	m.μ.Unlock()
	if t == nil {
		t = noop.NewTracerProvider().Tracer("xdm")
	}
	return t.Start(ctx, name, trace.WithSpanKind(kind), spanAttrs(c, instanceID, method))
}
