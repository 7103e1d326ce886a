// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package socket_test

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/xdm"
	"github.com/creachadair/xdm/codec"
	"github.com/creachadair/xdm/socket"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func calc() codec.Object {
	return codec.Object{
		"add": codec.Func(func(_ context.Context, args ...any) (any, error) {
			return args[0].(float64) + args[1].(float64), nil
		}),
		"apply": codec.Func(func(ctx context.Context, args ...any) (any, error) {
			f, _ := codec.AsFunc(args[0])
			return f(ctx, args[1:]...)
		}),
	}
}

// startServer runs srv on a test HTTP server and returns its websocket URL.
func startServer(t *testing.T, srv *socket.Server) string {
	t.Helper()
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

// dialClient connects a client manager to url and serves it until the test
// ends.
func dialClient(t *testing.T, url string, opts *socket.DialOptions) (*xdm.Manager, *socket.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := socket.Dial(ctx, url, opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	mgr := xdm.NewManager()
	srv := taskgroup.Go(func() error { return conn.Serve(context.Background(), mgr) })
	t.Cleanup(func() {
		conn.Close()
		if err := srv.Wait(); err != nil {
			t.Logf("Client serve: %v", err)
		}
	})
	return mgr, conn
}

func TestRoundTrip(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after the other cleanups

	smgr := xdm.NewManager()
	smgr.Registry().Register("calc", calc())
	url := startServer(t, &socket.Server{
		Manager:        smgr,
		OriginPatterns: []string{"app.example"},
	})

	mgr, conn := dialClient(t, url, &socket.DialOptions{Origin: "https://app.example"})
	ch := mgr.AddChannel(conn, conn.Origin())
	if !ch.Trusted() {
		t.Error("Channel with a known origin is not trusted")
	}

	ctx := context.Background()
	got, err := ch.InvokeRemoteMethod(ctx, "add", "calc", []any{2, 3}, nil)
	if err != nil {
		t.Fatalf("Call add: %v", err)
	}
	if got != 5.0 {
		t.Errorf("Call add: got %v, want 5", got)
	}

	double := codec.Func(func(_ context.Context, args ...any) (any, error) {
		return args[0].(float64) * 2, nil
	})
	got, err = ch.InvokeRemoteMethod(ctx, "apply", "calc", []any{double, 21}, nil)
	if err != nil {
		t.Fatalf("Call apply: %v", err)
	}
	if got != 42.0 {
		t.Errorf("Call apply: got %v, want 42", got)
	}
}

func TestHandshake(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	const token = "abcdefghijk0123456789z"

	smgr := xdm.NewManager()
	smgr.Registry().Register("calc", calc())
	connected := make(chan *xdm.Channel, 1)
	url := startServer(t, &socket.Server{
		Manager:   smgr,
		Token:     token,
		OnConnect: func(ch *xdm.Channel) { connected <- ch },
	})

	mgr, conn := dialClient(t, url, nil)

	// A client without the token is ignored.
	bad := mgr.AddChannel(conn, "")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if got, err := bad.InvokeRemoteMethod(ctx, "add", "calc", []any{1, 1}, nil); err == nil {
		t.Errorf("Call without token: got %v, want error", got)
	}
	mgr.RemoveChannel(bad)

	sch := <-connected
	if sch.Trusted() {
		t.Error("Server channel is trusted before the handshake")
	}

	ch := mgr.AddChannel(conn, "").SetHandshakeToken(token)
	got, err := ch.InvokeRemoteMethod(context.Background(), "add", "calc", []any{2, 3}, nil)
	if err != nil {
		t.Fatalf("Call add: %v", err)
	}
	if got != 5.0 {
		t.Errorf("Call add: got %v, want 5", got)
	}
	if !ch.Trusted() {
		t.Error("Client channel is not trusted after the handshake")
	}
	if !sch.Trusted() {
		t.Error("Server channel is not trusted after the handshake")
	}
	if got := sch.Origin(); got != "null" {
		t.Errorf("Server channel origin: got %q, want null", got)
	}
}

func TestRawClient(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	smgr := xdm.NewManager()
	smgr.Registry().Register("calc", calc())
	url := startServer(t, &socket.Server{Manager: smgr})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	// A client in another language speaks the envelope directly.
	roundTrip := func(req map[string]any) map[string]any {
		t.Helper()
		if err := wsjson.Write(ctx, ws, req); err != nil {
			t.Fatalf("Write: %v", err)
		}
		var rsp map[string]any
		if err := wsjson.Read(ctx, ws, &rsp); err != nil {
			t.Fatalf("Read: %v", err)
		}
		return rsp
	}

	if diff := cmp.Diff(map[string]any{"id": 7.0, "result": 9.0}, roundTrip(map[string]any{
		"id": 7, "instanceId": "calc", "methodName": "add", "params": []any{4, 5},
	})); diff != "" {
		t.Errorf("Response (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{
		"id":    8.0,
		"error": map[string]any{"message": "RPC instance not found: ghost"},
	}, roundTrip(map[string]any{
		"id": 8, "instanceId": "ghost", "methodName": "add",
	})); diff != "" {
		t.Errorf("Error response (-want, +got):\n%s", diff)
	}
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	smgr := xdm.NewManager()
	smgr.Registry().Register("calc", calc())
	loop := taskgroup.Go(func() error {
		return socket.Loop(ctx, lst, &socket.Server{Manager: smgr})
	})

	const numClients = 3
	g := taskgroup.New(nil)
	for i := range numClients {
		g.Go(func() error {
			dctx, dcancel := context.WithTimeout(ctx, 10*time.Second)
			defer dcancel()
			conn, err := socket.Dial(dctx, "ws://"+lst.Addr().String(), nil)
			if err != nil {
				return err
			}
			mgr := xdm.NewManager()
			srv := taskgroup.Go(func() error { return conn.Serve(ctx, mgr) })
			defer func() { conn.Close(); srv.Wait() }()

			ch := mgr.AddChannel(conn, conn.Origin())
			got, err := ch.InvokeRemoteMethod(dctx, "add", "calc", []any{i, 1}, nil)
			if err != nil {
				t.Errorf("Client %d: call add: %v", i, err)
			} else if got != float64(i+1) {
				t.Errorf("Client %d: got %v, want %d", i, got, i+1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Errorf("Clients: %v", err)
	}
	cancel()
	if err := loop.Wait(); err != nil {
		t.Errorf("Loop: %v", err)
	}
}

func TestURLOrigin(t *testing.T) {
	tests := []struct {
		input, want string
		ok          bool
	}{
		{"ws://example.com/path", "http://example.com", true},
		{"wss://Example.COM:8443/x?y", "https://example.com:8443", true},
		{"https://a.b", "https://a.b", true},
		{"ftp://a.b", "", false},
		{"ws:///nohost", "", false},
	}
	for _, tc := range tests {
		got, err := socket.URLOrigin(tc.input)
		if (err == nil) != tc.ok {
			t.Errorf("URLOrigin(%q): got error %v, want ok=%v", tc.input, err, tc.ok)
		} else if got != tc.want {
			t.Errorf("URLOrigin(%q): got %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		input, network, address string
	}{
		{"", "unix", ""},
		{"nothing", "unix", "nothing"},
		{"a/b/c", "unix", "a/b/c"},
		{":80", "tcp", ":80"},
		{"localhost:http", "tcp", "localhost:http"},
		{"localhost:80", "tcp", "localhost:80"},
		{"./foo:bar", "unix", "./foo:bar"},
		{"/tmp/sock:", "unix", "/tmp/sock:"},
	}
	for _, tc := range tests {
		network, address := socket.SplitAddress(tc.input)
		if network != tc.network || address != tc.address {
			t.Errorf("SplitAddress(%q): got (%q, %q), want (%q, %q)",
				tc.input, network, address, tc.network, tc.address)
		}
	}
}
