package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/creachadair/xdm"
	"github.com/creachadair/xdm/codec"
	"github.com/creachadair/xdm/handler"
)

var errDivideByZero = xdm.ErrorData{Code: 1, Message: "division by zero"}

type operands struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// binary adapts a function of two numbers to a codec.Func.
func binary(f func(a, b float64) (float64, error)) codec.Func {
	return func(ctx context.Context, args ...any) (any, error) {
		a, err := handler.Arg[float64](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := handler.Arg[float64](args, 1)
		if err != nil {
			return nil, err
		}
		return f(a, b)
	}
}

// registerDemo adds the objects exposed by the serve command to the global
// registry of mgr. Handlers log to lg.
func registerDemo(mgr *xdm.Manager, lg *slog.Logger) {
	mgr.Registry().
		Register("echo", codec.Object{
			"echo": handler.ParamResult(func(ctx context.Context, v any) any {
				channelLogger(ctx, lg).Debug("echo", "value", v)
				return v
			}),
		}).
		Register("calc", codec.Object{
			"add": binary(func(a, b float64) (float64, error) { return a + b, nil }),
			"sub": binary(func(a, b float64) (float64, error) { return a - b, nil }),
			"mul": binary(func(a, b float64) (float64, error) { return a * b, nil }),
			"div": binary(func(a, b float64) (float64, error) {
				if b == 0 {
					return 0, errDivideByZero
				}
				return a / b, nil
			}),
			"eval": handler.ParamResultError(func(ctx context.Context, op operands) (float64, error) {
				return op.A + op.B, nil
			}),
		}).
		Register("clock", codec.Object{
			"now": handler.ResultOnly(func(context.Context) time.Time { return time.Now() }),
		}).
		Register("session", func(ctx context.Context, data any) (any, error) {
			name, ok := data.(string)
			if !ok || name == "" {
				return nil, errors.New("session requires a name")
			}
			started := time.Now()
			return codec.Object{
				"name":    name,
				"started": started,
				"greet": handler.ResultOnly(func(context.Context) string {
					return fmt.Sprintf("hello from session %q", name)
				}),
			}, nil
		})
}

// channelLogger returns lg annotated with the channel serving ctx, if any.
func channelLogger(ctx context.Context, lg *slog.Logger) *slog.Logger {
	if ch := xdm.ContextChannel(ctx); ch != nil {
		return lg.With("channel", ch.ID())
	}
	return lg
}
