// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package frame provides in-memory frames that deliver posted messages to an
// [xdm.Manager], for local use and testing.
package frame

import (
	"bytes"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/xdm"
)

// A Frame is an in-memory frame with an origin. Messages posted to a frame
// are queued and delivered in order to the Receive method of its manager by a
// single goroutine, like the event loop of a browser frame.
type Frame struct {
	origin string
	mgr    *xdm.Manager
	tasks  *taskgroup.Group
	signal chan struct{} // buffered, 1
	stop   chan struct{}

	μ      sync.Mutex
	queue  []delivery
	closed bool
}

type delivery struct {
	source xdm.Window
	origin string
	data   []byte
	done   chan struct{} // if non-nil, a sync marker without a message
}

// New constructs a frame with the given origin, whose inbound messages are
// delivered to mgr. If mgr == nil, a new empty manager is used. The caller
// must call Close when the frame is no longer needed.
func New(origin string, mgr *xdm.Manager) *Frame {
	if mgr == nil {
		mgr = xdm.NewManager()
	}
	f := &Frame{
		origin: origin,
		mgr:    mgr,
		tasks:  taskgroup.New(nil),
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	f.tasks.Go(f.run)
	return f
}

// Origin returns the origin of f.
func (f *Frame) Origin() string { return f.origin }

// Manager returns the manager that receives messages delivered to f.
func (f *Frame) Manager() *xdm.Manager { return f.mgr }

// To returns the window handle through which f posts messages to peer.
// Handles for the same pair of frames are equal.
func (f *Frame) To(peer *Frame) xdm.Window { return Ref{from: f, to: peer} }

// Sync blocks until every message queued to f before the call has been
// delivered, or f is closed.
func (f *Frame) Sync() {
	done := make(chan struct{})
	if err := f.enqueue(delivery{done: done}); err != nil {
		return
	}
	select {
	case <-done:
	case <-f.stop:
	}
}

// Close stops delivery to f and discards any undelivered messages. Posts to
// a closed frame report [net.ErrClosed].
func (f *Frame) Close() error {
	f.μ.Lock()
	if f.closed {
		f.μ.Unlock()
		return nil
	}
	f.closed = true
	f.queue = nil
	close(f.stop)
	f.μ.Unlock()
	f.tasks.Wait()
	return nil
}

func (f *Frame) enqueue(d delivery) error {
	f.μ.Lock()
	defer f.μ.Unlock()
	if f.closed {
		return net.ErrClosed
	}
	f.queue = append(f.queue, d)
	select {
	case f.signal <- struct{}{}:
	default:
		// A wakeup is already pending.
	}
	return nil
}

func (f *Frame) next() (delivery, bool) {
	f.μ.Lock()
	defer f.μ.Unlock()
	if len(f.queue) == 0 || f.closed {
		return delivery{}, false
	}
	d := f.queue[0]
	f.queue = f.queue[1:]
	return d, true
}

func (f *Frame) run() error {
	for {
		select {
		case <-f.stop:
			return nil
		case <-f.signal:
		}
		for {
			d, ok := f.next()
			if !ok {
				break
			}
			if d.done != nil {
				close(d.done)
				continue
			}
			f.mgr.Receive(d.source, d.origin, d.data)
		}
	}
}

// A Ref is a window handle from one frame to another. It is comparable, and
// the recipient of a message posted through a Ref sees the reverse Ref as
// the message source.
type Ref struct {
	from, to *Frame
}

// PostMessage implements the [xdm.Window] interface. If targetOrigin is not
// "*" and does not equal the origin of the recipient, the message is
// silently discarded.
func (r Ref) PostMessage(data []byte, targetOrigin string) error {
	if targetOrigin != "*" && targetOrigin != r.to.origin {
		return nil
	}
	return r.to.enqueue(delivery{
		source: Ref{from: r.to, to: r.from},
		origin: r.from.origin,
		data:   bytes.Clone(data),
	})
}

// Local is a pair of in-memory frames, each with its own manager, joined by
// a channel in each direction.
type Local struct {
	Host, Ext     *Frame
	HostCh, ExtCh *xdm.Channel // HostCh targets Ext, ExtCh targets Host
}

// NewLocal creates a host frame and an extension frame with the given
// origins, and adds a channel on each side bound to the other, with the
// peer's origin already known.
func NewLocal(hostOrigin, extOrigin string) *Local {
	host := New(hostOrigin, nil)
	ext := New(extOrigin, nil)
	return &Local{
		Host:   host,
		Ext:    ext,
		HostCh: host.Manager().AddChannel(host.To(ext), extOrigin),
		ExtCh:  ext.Manager().AddChannel(ext.To(host), hostOrigin),
	}
}

// Stop shuts down both frames and waits for the requests being served by
// their channels to complete.
func (l *Local) Stop() error {
	l.Host.Manager().RemoveChannel(l.HostCh)
	l.Ext.Manager().RemoveChannel(l.ExtCh)
	herr := l.Host.Close()
	eerr := l.Ext.Close()
	l.HostCh.Wait()
	l.ExtCh.Wait()
	if herr != nil {
		return herr
	}
	return eerr
}
