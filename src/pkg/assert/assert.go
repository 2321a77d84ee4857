package assert

import "fmt"

// Assert panics if cond is false. It is reserved for invariants that a
// correct caller can never violate; recoverable conditions must be
// returned as errors instead.
func Assert(cond bool, format ...any) {
	if cond {
		return
	}

	if len(format) == 0 {
		panic("assertion failed")
	}

	f, ok := format[0].(string)
	if !ok {
		panic(fmt.Sprintf("assertion failed: %+v", format))
	}
	panic(fmt.Sprintf("assertion failed: "+f, format[1:]...))
}

func NoError(err error, format ...any) {
	if err == nil {
		return
	}

	if len(format) == 0 {
		panic(fmt.Sprintf("unexpected error: %+v", err))
	}

	f, ok := format[0].(string)
	if !ok {
		panic(fmt.Sprintf("unexpected error: %+v: %+v", err, format))
	}
	panic(fmt.Sprintf("unexpected error: %+v: %s", err, fmt.Sprintf(f, format[1:]...)))
}

func Cast[T any](v any) T {
	r, ok := v.(T)
	Assert(ok, "cast failed: %T -> %T", v, r)
	return r
}
