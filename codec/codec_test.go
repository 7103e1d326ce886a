// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package codec_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/xdm/codec"
	"github.com/google/go-cmp/cmp"
)

// wire round-trips v through JSON, as the transport would.
func wire(t *testing.T, v any) any {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return out
}

func TestRoundTripPlain(t *testing.T) {
	input := map[string]any{
		"name":  "widget",
		"count": 3.0,
		"ok":    true,
		"tags":  []any{"a", "b", 1.5},
		"inner": map[string]any{"x": "y", "_hidden": "no"},
		"_priv": "secret",
	}

	t.Run("Default", func(t *testing.T) {
		enc, ok := codec.Encoder{}.Encode(input)
		if !ok {
			t.Fatal("Encode reported absent")
		}
		got := codec.Decoder{}.Decode(wire(t, enc), nil)
		want := map[string]any{
			"name":  "widget",
			"count": 3.0,
			"ok":    true,
			"tags":  []any{"a", "b", 1.5},
			"inner": map[string]any{"x": "y"},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Round trip (-want, +got):\n%s", diff)
		}
	})

	t.Run("Underscore", func(t *testing.T) {
		e := codec.Encoder{Settings: codec.Settings{IncludeUnderscoreProperties: true}}
		enc, _ := e.Encode(input)
		got := codec.Decoder{}.Decode(wire(t, enc), nil)
		if diff := cmp.Diff(input, got); diff != "" {
			t.Errorf("Round trip (-want, +got):\n%s", diff)
		}
	})
}

func TestCircular(t *testing.T) {
	parent := map[string]any{"name": "parent"}
	child := map[string]any{"name": "child", "up": parent}
	parent["child"] = child
	parent["self"] = parent

	enc, ok := codec.Encoder{}.Encode(parent)
	if !ok {
		t.Fatal("Encode reported absent")
	}
	want := map[string]any{
		"__circularReferenceId": 1,
		"name":                  "parent",
		"child": map[string]any{
			"name": "child",
			"up":   map[string]any{"__circularReference": 1},
		},
		"self": map[string]any{"__circularReference": 1},
	}
	if diff := cmp.Diff(want, enc); diff != "" {
		t.Fatalf("Encoded (-want, +got):\n%s", diff)
	}

	dec := codec.Decoder{}.Decode(wire(t, enc), nil).(map[string]any)
	if _, ok := dec["__circularReferenceId"]; ok {
		t.Error("Decoded object still has a reference marker")
	}
	dchild := dec["child"].(map[string]any)
	if !sameMap(dchild["up"], dec) {
		t.Error("child.up does not refer to the decoded parent")
	}
	if !sameMap(dec["self"], dec) {
		t.Error("self does not refer to the decoded parent")
	}
}

func TestSiblingsAreNotCircular(t *testing.T) {
	shared := map[string]any{"v": "s"}
	enc, _ := codec.Encoder{}.Encode(map[string]any{"a": shared, "b": shared})
	want := map[string]any{
		"a": map[string]any{"v": "s"},
		"b": map[string]any{"v": "s"},
	}
	if diff := cmp.Diff(want, enc); diff != "" {
		t.Errorf("Encoded (-want, +got):\n%s", diff)
	}
}

func sameMap(a, b any) bool {
	am, ok1 := a.(map[string]any)
	bm, ok2 := b.(map[string]any)
	if !ok1 || !ok2 {
		return false
	}
	am["__probe"] = true
	defer delete(am, "__probe")
	_, ok := bm["__probe"]
	return ok
}

func TestDate(t *testing.T) {
	when := time.Date(2024, 3, 15, 12, 30, 45, 123_000_000, time.UTC)
	enc, _ := codec.Encoder{}.Encode(map[string]any{"when": when})
	if diff := cmp.Diff(map[string]any{
		"when": map[string]any{"__proxyDate": when.UnixMilli()},
	}, enc); diff != "" {
		t.Fatalf("Encoded (-want, +got):\n%s", diff)
	}

	dec := codec.Decoder{}.Decode(wire(t, enc), nil).(map[string]any)
	got, ok := dec["when"].(time.Time)
	if !ok {
		t.Fatalf("Decoded when: got %T, want time.Time", dec["when"])
	}
	if !got.Equal(when) {
		t.Errorf("Decoded when: got %v, want %v", got, when)
	}
}

func TestFunctions(t *testing.T) {
	var registered []codec.Func
	e := codec.Encoder{
		ChannelID: 7,
		Register: func(f codec.Func) int {
			registered = append(registered, f)
			return len(registered)
		},
	}
	hello := codec.Func(func(context.Context, ...any) (any, error) { return "hello", nil })
	enc, _ := e.Encode(map[string]any{
		"greet": hello,
		"list":  []any{hello},
	})
	want := map[string]any{
		"greet": map[string]any{"__proxyFunctionId": 1, "_channelId": 7},
		"list":  []any{map[string]any{"__proxyFunctionId": 2, "_channelId": 7}},
	}
	if diff := cmp.Diff(want, enc); diff != "" {
		t.Fatalf("Encoded (-want, +got):\n%s", diff)
	}
	if len(registered) != 2 {
		t.Errorf("Registered %d functions, want 2", len(registered))
	}

	type call struct {
		ID   int
		Args []any
	}
	var calls []call
	d := codec.Decoder{Proxy: func(id int) codec.Func {
		return func(_ context.Context, args ...any) (any, error) {
			calls = append(calls, call{ID: id, Args: args})
			return nil, nil
		}
	}}
	dec := d.Decode(wire(t, enc), nil).(map[string]any)
	f, ok := codec.AsFunc(dec["greet"])
	if !ok {
		t.Fatalf("Decoded greet: got %T, want function", dec["greet"])
	}
	f(context.Background(), "a", 2.0)
	if diff := cmp.Diff([]call{{ID: 1, Args: []any{"a", 2.0}}}, calls); diff != "" {
		t.Errorf("Proxy calls (-want, +got):\n%s", diff)
	}

	t.Run("NoRegister", func(t *testing.T) {
		enc, _ := codec.Encoder{}.Encode(map[string]any{"f": hello, "x": 1})
		if diff := cmp.Diff(map[string]any{"x": 1}, enc); diff != "" {
			t.Errorf("Encoded (-want, +got):\n%s", diff)
		}
	})
}

func TestSpoofedProxyID(t *testing.T) {
	enc, _ := codec.Encoder{Settings: codec.Settings{IncludeUnderscoreProperties: true}}.Encode(
		map[string]any{"__proxyFunctionId": 1, "data": "ok"},
	)
	if diff := cmp.Diff(map[string]any{"data": "ok"}, enc); diff != "" {
		t.Errorf("Encoded (-want, +got):\n%s", diff)
	}
}

type hostWindow struct{}

func (hostWindow) PostMessage([]byte, string) error { return nil }

type point struct{ X, Y int }

func (p *point) Fields() map[string]any { return map[string]any{"x": p.X, "y": p.Y} }

type brokenFields struct{}

func (brokenFields) Fields() map[string]any { panic("no fields for you") }

func TestSkipped(t *testing.T) {
	ch := make(chan int)
	enc, _ := codec.Encoder{}.Encode(map[string]any{
		"window": hostWindow{},
		"ctx":    context.Background(),
		"chan":   ch,
		"nil":    nil,
		"broken": brokenFields{},
		"point":  &point{X: 1, Y: 2},
		"nums":   []int{1, 2},
		"attrs":  map[string]string{"k": "v"},
	})
	want := map[string]any{
		"point": map[string]any{"x": 1, "y": 2},
		"nums":  []any{1, 2},
		"attrs": map[string]any{"k": "v"},
	}
	if diff := cmp.Diff(want, enc); diff != "" {
		t.Errorf("Encoded (-want, +got):\n%s", diff)
	}

	if v, ok := (codec.Encoder{}).Encode(nil); ok {
		t.Errorf("Encode(nil): got %v, want absent", v)
	}
}

func TestDepthLimit(t *testing.T) {
	root := map[string]any{}
	cur := root
	for range codec.MaxDepth + 10 {
		next := map[string]any{}
		cur["next"] = next
		cur = next
	}
	enc, ok := codec.Encoder{}.Encode(root)
	if !ok {
		t.Fatal("Encode reported absent")
	}
	depth := 0
	for v := enc; v != nil; depth++ {
		m := v.(map[string]any)
		v = m["next"]
	}
	if depth != codec.MaxDepth {
		t.Errorf("Encoded depth: got %d, want %d", depth, codec.MaxDepth)
	}

	// A self-referencing slice is cut off by the depth limit.
	s := make([]any, 1)
	s[0] = s
	if _, ok := (codec.Encoder{}).Encode(s); !ok {
		t.Error("Encode self-referencing slice: reported absent")
	}
}

func TestMember(t *testing.T) {
	obj := map[string]any{"name": "x"}
	if v, ok := codec.Member(obj, "name"); !ok || v != "x" {
		t.Errorf("Member(obj, name): got (%v, %v)", v, ok)
	}
	if v, ok := codec.Member(&point{X: 3}, "x"); !ok || v != 3 {
		t.Errorf("Member(point, x): got (%v, %v)", v, ok)
	}
	if _, ok := codec.Member(brokenFields{}, "x"); ok {
		t.Error("Member(broken, x): unexpectedly found")
	}
	if _, ok := codec.Member("string", "len"); ok {
		t.Error("Member(string, len): unexpectedly found")
	}
}

func TestDecodeMarkers(t *testing.T) {
	const input = `{"a":[{"__circularReferenceId":2,"v":1,"me":{"__circularReference":2}}],"f":{"__proxyFunctionId":"bogus"}}`
	var v any
	if err := json.NewDecoder(strings.NewReader(input)).Decode(&v); err != nil {
		t.Fatalf("Decode JSON: %v", err)
	}
	refs := make(map[int]any)
	dec := codec.Decoder{}.Decode(v, refs).(map[string]any)
	if f := dec["f"]; f != nil {
		t.Errorf("Invalid proxy marker: got %v, want nil", f)
	}
	elt := dec["a"].([]any)[0]
	if !sameMap(elt.(map[string]any)["me"], elt) {
		t.Error("me does not refer to its container")
	}
	if !sameMap(refs[2], elt) {
		t.Errorf("refs[2] = %v, want the array element", refs[2])
	}
}
