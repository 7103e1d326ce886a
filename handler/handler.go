// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the codec.Func type for functions with
// other signatures.
//
// The parameter of an adapted function is taken from the first argument of
// the call. If the argument already has the parameter type it is used as-is;
// otherwise it is converted by re-encoding it as JSON, so that a struct type
// can receive an object sent by the caller. A missing argument yields the
// zero value.
//
// Results are returned as-is, and are encoded by the codec for transport.
package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/creachadair/xdm/codec"
)

// argsContextKey is a context key for the arguments to a handler.
type argsContextKey struct{}

// ContextArgs returns the original arguments passed to the handler, or nil if
// ctx has no associated arguments. The context passed to a function adapted
// by this package will have this value.
func ContextArgs(ctx context.Context) []any {
	if v := ctx.Value(argsContextKey{}); v != nil {
		return v.([]any)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a codec.Func.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) codec.Func {
	return func(ctx context.Context, args ...any) (any, error) {
		p, err := Arg[P](args, 0)
		if err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, argsContextKey{}, args)
		r, err := f(hctx, p)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a codec.Func.
func ParamResult[P, R any](f func(context.Context, P) R) codec.Func {
	return func(ctx context.Context, args ...any) (any, error) {
		p, err := Arg[P](args, 0)
		if err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, argsContextKey{}, args)
		return f(hctx, p), nil
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a codec.Func.
func ParamError[P any](f func(context.Context, P) error) codec.Func {
	return func(ctx context.Context, args ...any) (any, error) {
		p, err := Arg[P](args, 0)
		if err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, argsContextKey{}, args)
		return nil, f(hctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a codec.Func.
func ResultError[R any](f func(context.Context) (R, error)) codec.Func {
	return func(ctx context.Context, args ...any) (any, error) {
		hctx := context.WithValue(ctx, argsContextKey{}, args)
		r, err := f(hctx)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R without error, to a codec.Func.
func ResultOnly[R any](f func(context.Context) R) codec.Func {
	return func(ctx context.Context, args ...any) (any, error) {
		hctx := context.WithValue(ctx, argsContextKey{}, args)
		return f(hctx), nil
	}
}

// Arg converts args[i] to a value of type T. If i is out of range or the
// argument is nil, Arg returns the zero value of T.
func Arg[T any](args []any, i int) (T, error) {
	var zero T
	if i < 0 || i >= len(args) || args[i] == nil {
		return zero, nil
	}
	if v, ok := args[i].(T); ok {
		return v, nil
	}
	data, err := json.Marshal(args[i])
	if err != nil {
		return zero, fmt.Errorf("argument %d: %w", i, err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("argument %d: cannot convert %T to %T: %w", i, args[i], zero, err)
	}
	return out, nil
}
