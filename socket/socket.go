// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package socket carries frame messages over websocket connections, so that
// managers in different processes can exchange calls.
//
// Each connection stands in for a remote frame. A [Conn] is the [xdm.Window]
// handle for the frame at the other end, and its Serve method delivers the
// messages read from the connection to a manager.
package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/xdm"
	"nhooyr.io/websocket"
)

// MaxMessageSize is the largest message a connection will read.
const MaxMessageSize = 1 << 20

// WriteTimeout bounds the time a single post may block.
const WriteTimeout = 5 * time.Second

// A Conn is a websocket connection to a remote frame. It implements the
// [xdm.Window] interface.
type Conn struct {
	ws     *websocket.Conn
	origin string // of the remote frame
}

func newConn(ws *websocket.Conn, origin string) *Conn {
	ws.SetReadLimit(MaxMessageSize)
	return &Conn{ws: ws, origin: origin}
}

// Origin returns the origin of the remote frame.
func (c *Conn) Origin() string { return c.origin }

// PostMessage implements the [xdm.Window] interface. If targetOrigin is not
// "*" and does not equal the origin of the remote frame, the message is
// silently discarded.
func (c *Conn) PostMessage(data []byte, targetOrigin string) error {
	if targetOrigin != "*" && targetOrigin != c.origin {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), WriteTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Serve reads messages from c and delivers them to mgr, until ctx ends or
// the connection closes. It returns nil if the connection closed normally.
func (c *Conn) Serve(ctx context.Context, mgr *xdm.Manager) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if treatErrorAsSuccess(err) {
				return nil
			}
			return err
		} else if typ != websocket.MessageText {
			continue // ignore binary messages
		}
		mgr.Receive(c, c.origin, data)
	}
}

// Close closes the connection normally.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

func treatErrorAsSuccess(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled)
}

// DialOptions are optional settings for Dial. A nil *DialOptions is valid and
// provides default values.
type DialOptions struct {
	// The origin of the local frame, sent to the server in the Origin header.
	Origin string

	// Additional HTTP headers for the upgrade request.
	Header http.Header
}

// Dial connects to the websocket endpoint at rawURL. The origin of the
// remote frame is derived from the URL: "ws" maps to "http", and "wss" to
// "https".
func Dial(ctx context.Context, rawURL string, opts *DialOptions) (*Conn, error) {
	origin, err := URLOrigin(rawURL)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	if opts != nil {
		for k, vs := range opts.Header {
			h[k] = vs
		}
		if opts.Origin != "" {
			h.Set("Origin", opts.Origin)
		}
	}
	ws, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", rawURL, err)
	}
	return newConn(ws, origin), nil
}

// URLOrigin returns the web origin of a websocket or HTTP URL.
func URLOrigin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", rawURL)
	}
	return scheme + "://" + strings.ToLower(u.Host), nil
}

// Server is an [http.Handler] that accepts websocket connections and adds a
// channel to Manager for each one. The channel is removed when the
// connection closes.
type Server struct {
	// The manager to add channels to. It must be non-nil.
	Manager *xdm.Manager

	// Host patterns of origins permitted to connect, as for
	// websocket.AcceptOptions. The host of the request is always permitted.
	OriginPatterns []string

	// If set, channels are created untrusted with this handshake token, and
	// the origin is pinned by the first message that carries it. Otherwise
	// the origin reported by the client is trusted.
	Token string

	// If set, called with each new channel before any messages are served.
	OnConnect func(*xdm.Channel)

	// Logger for connection diagnostics. If nil, slog.Default is used.
	Logger *slog.Logger
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// ServeHTTP implements the [http.Handler] interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.OriginPatterns,
	})
	if err != nil {
		s.logger().Warn("websocket accept failed", "error", err)
		return
	}

	// A client without an Origin header is treated as an opaque origin.
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "null"
	}
	conn := newConn(ws, origin)

	var ch *xdm.Channel
	if s.Token != "" {
		ch = s.Manager.AddChannel(conn, "").SetHandshakeToken(s.Token)
	} else {
		ch = s.Manager.AddChannel(conn, origin)
	}
	if s.OnConnect != nil {
		s.OnConnect(ch)
	}

	lg := s.logger().With("channel", ch.ID(), "origin", origin)
	lg.Info("client connected")
	if err := conn.Serve(r.Context(), s.Manager); err != nil {
		lg.Warn("connection failed", "error", err)
	}
	s.Manager.RemoveChannel(ch) // fails calls pending on the client
	conn.Close()
	ch.Wait()
	lg.Info("client disconnected")
}

// Loop serves HTTP on lst with h, typically a [Server] or a mux routing to
// one, until ctx ends or lst closes. When ctx ends, the listener is closed
// and active connections are shut down. Loop returns nil if the listener
// closed normally.
func Loop(ctx context.Context, lst net.Listener, h http.Handler) error {
	hs := &http.Server{
		Handler:     h,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	g := taskgroup.New(nil)
	defer g.Wait()
	ok := make(chan struct{})
	defer close(ok)
	g.Go(func() error {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), WriteTimeout)
			defer cancel()
			hs.Shutdown(sctx)
		case <-ok:
			// release the waiter
		}
		return nil
	})

	err := hs.Serve(lst)
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
