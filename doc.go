// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package xdm implements remote procedure calls between frames that exchange
// messages with postMessage-style delivery.
//
// Two frames (for example, a host page and an embedded extension) each run a
// [Manager]. The manager owns a set of channels, one for each peer frame, and
// is the single listener for messages received by its frame. Each message is
// routed to the channels that own it.
//
// # Channels
//
// A [Channel] is bound to a target [Window], the handle used to post messages
// to the peer frame. To add a channel whose target origin is known:
//
//	ch := mgr.AddChannel(win, "https://ext.example.com")
//
// If the origin is not known, pass "". The channel is then created untrusted,
// with a fresh handshake token. It attaches the token to its requests, and
// accepts only messages that echo the same token, until the first such
// message pins the origin it came from:
//
//	ch := mgr.AddChannel(win, "")
//	sendOutOfBand(ch.Token())
//
// The host delivers inbound messages to the manager:
//
//	mgr.Receive(sourceWindow, sourceOrigin, data)
//
// # Objects and Calls
//
// Objects are published by registering them under an instance ID, either
// globally on the manager or on a single channel. A registered value may be
// a factory, which constructs the instance for each request from context
// data supplied by the caller:
//
//	mgr.Registry().Register("calc", codec.Object{
//	   "add": codec.Func(func(ctx context.Context, args ...any) (any, error) {
//	      return args[0].(float64) + args[1].(float64), nil
//	   }),
//	})
//
// To invoke a method of an object registered by the peer frame, use
// [Channel.InvokeRemoteMethod]. It blocks until the reply arrives or ctx ends:
//
//	v, err := ch.InvokeRemoteMethod(ctx, "add", "calc", []any{2, 3}, nil)
//	if err != nil {
//	   log.Fatalf("Call failed: %v", err)
//	}
//
// Errors reported by remote calls have concrete type [*CallError]. If ctx
// ends before the reply, the call is abandoned and the reply is discarded.
//
// # Function Proxies
//
// Values exchanged by calls are encoded by package codec. A function value
// passed as an argument or returned as a result is replaced by a proxy: the
// receiver gets a function that, when called, invokes the original on the
// sending side through the reserved instance [ProxyFunctionsID].
//
// # Callbacks
//
// A method may call back to the frame that invoked it. To do so, the method
// uses [ContextChannel] to obtain the channel serving its request:
//
//	func handle(ctx context.Context, args ...any) (any, error) {
//	    return xdm.ContextChannel(ctx).InvokeRemoteMethod(ctx, "hello", "peer", args, nil)
//	}
//
// # Metrics
//
// Managers maintain a collection of metrics. Use the [Manager.Metrics] method
// to obtain an [expvar.Map] containing them. Metrics are shared globally among
// all managers.
//
// The metrics currently exported include:
//
//   - messages_received: counter of messages delivered to Receive
//   - messages_sent: counter of messages posted
//   - messages_dropped: counter of messages that were invalid or unowned
//   - calls_in: counter of inbound requests dispatched
//   - calls_in_failed: counter of inbound requests answered with an error
//   - calls_active: gauge of inbound requests currently active
//   - calls_out: counter of outbound calls initiated
//   - calls_out_failed: counter of outbound calls resulting in errors
//   - calls_pending: gauge of outbound calls awaiting replies
//   - handshakes: counter of untrusted channels that pinned an origin
//
// It is safe for the caller to modify the metrics map to add, update, and
// remove entries.
package xdm
