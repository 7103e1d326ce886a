// Package stream provides helpers for implementing streaming RPCs,
// where a single method call yields a stream of response values.
//
// The caller passes a callback function as the last argument of the call.
// The callee invokes the callback through its proxy once for each value in
// the stream, and the stream ends when the call returns.
package stream

import (
	"context"
	"errors"
	"iter"

	"github.com/creachadair/xdm"
	"github.com/creachadair/xdm/codec"
)

// ErrNoCallback is reported by a stream handler invoked without a callback
// as its last argument.
var ErrNoCallback = errors.New("missing stream callback")

// Call sends a call to the specified method of the remote instance, and
// yields a stream of responses. The response stream ends at the peer's
// discretion, or when ctx is canceled.
//
// The returned iterator yields zero or more (v, nil) values. If the call
// ends unsuccessfully, the iterator ends the stream with a final (nil, err)
// tuple.
func Call(ctx context.Context, ch *xdm.Channel, method, instanceID string, params []any) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// The peer streams values back to us by calling the callback, which
		// runs in a different goroutine. We're in an iterator func, we can't
		// yield from a random other goroutine. So, make a channel to smuggle
		// values from the callback back to us for yielding.
		vals := make(chan any)
		callback := codec.Func(func(callbackCtx context.Context, args ...any) (any, error) {
			if err := ctx.Err(); err != nil {
				// The stream is over. This also unwedges a buggy peer that
				// smuggles the callback out of the call lifecycle.
				return nil, err
			}
			var v any
			if len(args) != 0 {
				v = args[0]
			}
			select {
			case vals <- v:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-callbackCtx.Done():
				return nil, callbackCtx.Err()
			}
		})

		args := append(append([]any{}, params...), callback)
		errch := make(chan error, 1)
		go func() {
			defer close(errch)
			_, err := ch.InvokeRemoteMethod(ctx, method, instanceID, args, nil)
			if ctx.Err() != nil {
				// Report a client-side cancellation as a local error, however
				// it manifested on the other side.
				errch <- ctx.Err()
			} else {
				errch <- err
			}
		}()

		for {
			select {
			case v := <-vals:
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}
				if !yield(v, nil) {
					// Returning cancels the context that both the call and the
					// callback run in, so they unwind on their own.
					return
				}
			case err := <-errch:
				if err != nil {
					yield(nil, err)
				}
				return
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

// HandlerFunc is a variant of codec.Func that yields a stream of values,
// rather than a single value. The args do not include the stream callback.
// The returned iterator is expected to only yield a non-nil error as its
// final element, following zero or more error-free tuples.
type HandlerFunc func(ctx context.Context, args []any) iter.Seq2[any, error]

// Handle adapts a HandlerFunc into a codec.Func. The resulting function must
// be invoked with [Call].
func Handle(fn HandlerFunc) codec.Func {
	return func(ctx context.Context, args ...any) (any, error) {
		if len(args) == 0 {
			return nil, ErrNoCallback
		}
		callback, ok := codec.AsFunc(args[len(args)-1])
		if !ok {
			return nil, ErrNoCallback
		}

		for v, err := range fn(ctx, args[:len(args)-1]) {
			if err != nil {
				return nil, err
			}
			// We hand the context to the iterator and hope that it'll yield
			// to cancellation itself, but we can't force it to. As a
			// fallback, also explicitly bail on cancellation here.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, err := callback(ctx, v); err != nil {
				return nil, err
			}
		}

		// We might have fallen out of the loop due to a cancellation, if the
		// iterator reacted to a cancellation by simply returning, rather than
		// yielding a final error.
		return nil, ctx.Err()
	}
}
