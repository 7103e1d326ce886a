// Program xdm is a command-line utility for working with cross-frame RPC
// channels over websockets.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/xdm"
	"github.com/creachadair/xdm/codec"
	"github.com/creachadair/xdm/internal/config"
	"github.com/creachadair/xdm/socket"
	"golang.org/x/time/rate"
)

var serveFlags struct {
	Config string `flag:"config,Configuration file (YAML)"`
	Addr   string `flag:"addr,Listen address (overrides config)"`
	Token  string `flag:"token,Handshake token for clients (overrides config)"`
}

var callFlags struct {
	URL     string        `flag:"url,default=ws://localhost:8765/xdm,Websocket URL of the server"`
	Origin  string        `flag:"origin,Origin to report to the server"`
	Token   string        `flag:"token,Handshake token shared with the server"`
	Context string        `flag:"context,Instance context data (JSON) for factories"`
	Timeout time.Duration `flag:"timeout,default=10s,Timeout for the call"`
}

const serveHelp = `Serve a websocket endpoint that exposes demo objects.

Each connection becomes a channel. If a handshake token is configured, the
channel is untrusted until the client presents the token; otherwise the
origin reported by the client is trusted.

The global registry exposes:

  echo    : echo(x) returns x
  calc    : add(a, b), sub(a, b), mul(a, b), div(a, b), eval({a, b})
  clock   : now() returns the current time
  session : a factory; the context data names the session, and the
            instance has name, started and greet()`

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for working with cross-frame RPC channels.",
		Commands: []*command.C{
			{
				Name: "token",
				Help: "Print a fresh handshake token.",
				Run: func(env *command.Env) error {
					fmt.Println(xdm.NewToken())
					return nil
				},
			},
			{
				Name:  "inspect",
				Usage: "[message-json]",
				Help: `Print a summary of a message envelope.

If no message is given on the command line, one message per line is read
from stdin.`,
				Run: runInspect,
			},
			{
				Name:     "serve",
				Usage:    "[flags]",
				Help:     serveHelp,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "call",
				Usage: "[flags] <instance> <method> [json-arg...]",
				Help: `Invoke a method of a remote object and print the result as JSON.

Each argument is parsed as JSON if possible, otherwise it is passed as a
string. An empty method name fetches the object itself.`,
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runInspect(env *command.Env) error {
	if len(env.Args) > 1 {
		return env.Usagef("extra arguments after message: %q", env.Args[1:])
	} else if len(env.Args) == 1 {
		return inspect(os.Stdout, []byte(env.Args[0]))
	}
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(nil, socket.MaxMessageSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := inspect(os.Stdout, []byte(line)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	return sc.Err()
}

// inspect writes a summary of the message encoded in data to w.
func inspect(w io.Writer, data []byte) error {
	var msg xdm.Message
	if err := msg.Decode(data); err != nil {
		return err
	}
	fmt.Fprintln(w, msg.String())
	for _, p := range []struct {
		name string
		raw  json.RawMessage
	}{
		{"instanceContext", msg.InstanceContext},
		{"params", msg.Params},
		{"result", msg.Result},
		{"error", msg.Error},
	} {
		if len(p.raw) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(p.raw, &v); err != nil {
			return fmt.Errorf("invalid %s: %w", p.name, err)
		}
		out, _ := json.MarshalIndent(v, "  ", "  ")
		fmt.Fprintf(w, "  %s: %s\n", p.name, out)
	}
	return nil
}

func runServe(env *command.Env) error {
	cfg, err := config.Load(serveFlags.Config)
	if err != nil {
		return err
	}
	if serveFlags.Addr != "" {
		cfg.Server.Addr = serveFlags.Addr
	}
	if serveFlags.Token != "" {
		cfg.Server.Token = serveFlags.Token
	}

	lg, closeLog, err := config.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()
	tracer, shutdown, err := config.SetupTracer(cfg.Tracer, os.Stdout)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	mgr := xdm.NewManager().SetLogger(lg).SetTracer(tracer)
	if cfg.Server.RateLimit > 0 {
		mgr.LimitRequests(rate.Limit(cfg.Server.RateLimit), cfg.Server.Burst)
	}
	if cfg.Server.LogMessages {
		mgr.LogMessages(func(m xdm.MessageInfo) { lg.Debug("message", "msg", m.String()) })
	}
	registerDemo(mgr, lg)

	lst, err := net.Listen(socket.SplitAddress(cfg.Server.Addr))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, &socket.Server{
		Manager:        mgr,
		OriginPatterns: cfg.Server.OriginPatterns,
		Token:          cfg.Server.Token,
		Logger:         lg,
	})
	expvar.Publish("xdm", mgr.Metrics())
	mux.Handle("/debug/vars", expvar.Handler())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	lg.Info("serving", "addr", lst.Addr().String(), "path", cfg.Server.Path)
	return socket.Loop(ctx, lst, mux)
}

func runCall(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("missing instance and method")
	}
	instance, method := env.Args[0], env.Args[1]
	params := make([]any, 0, len(env.Args)-2)
	for _, arg := range env.Args[2:] {
		params = append(params, parseArg(arg))
	}

	ctx, cancel := context.WithTimeout(context.Background(), callFlags.Timeout)
	defer cancel()
	conn, err := socket.Dial(ctx, callFlags.URL, &socket.DialOptions{Origin: callFlags.Origin})
	if err != nil {
		return err
	}
	mgr := xdm.NewManager()
	srv := taskgroup.Go(func() error { return conn.Serve(ctx, mgr) })
	defer func() { conn.Close(); srv.Wait() }()

	var ch *xdm.Channel
	if callFlags.Token != "" {
		ch = mgr.AddChannel(conn, "").SetHandshakeToken(callFlags.Token)
	} else {
		ch = mgr.AddChannel(conn, conn.Origin())
	}
	var opts *xdm.CallOptions
	if callFlags.Context != "" {
		opts = &xdm.CallOptions{InstanceContext: parseArg(callFlags.Context)}
	}
	v, err := ch.InvokeRemoteMethod(ctx, method, instance, params, opts)
	if err != nil {
		return err
	}
	// Functions in the result cannot be shown; the encoder omits them.
	enc, _ := codec.Encoder{}.Encode(v)
	out, err := json.MarshalIndent(enc, "", "  ")
	if err != nil {
		return fmt.Errorf("rendering result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// parseArg parses s as a JSON value, or returns it as a string if it is not
// valid JSON.
func parseArg(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
