package ctxstore

import "github.com/zot/ctxstore/internal/codec"

// UndefinedValue is the type of Undefined.
type UndefinedValue = codec.UndefinedValue

// Undefined is returned by Get for paths that hold nothing. Passed to Set, it
// deletes the path. It is distinct from nil, which is stored as JSON null.
var Undefined = codec.Undefined

// IsUndefined reports whether v is Undefined.
func IsUndefined(v any) bool {
	return codec.IsUndefined(v)
}

// Values holds the value side of a Set call: either one value applied to
// every path, or one value per path.
type Values struct {
	items []any
	many  bool
}

// Single applies v to every path of a Set call.
func Single(v any) Values {
	return Values{items: []any{v}}
}

// Many supplies one value per path. Paths beyond the end of vs are deleted.
func Many(vs ...any) Values {
	return Values{items: vs, many: true}
}

// expand returns exactly n values. The zero Values deletes every path.
func (v Values) expand(n int) []any {
	out := make([]any, n)
	for i := range out {
		switch {
		case !v.many && len(v.items) == 1:
			out[i] = v.items[0]
		case i < len(v.items):
			out[i] = v.items[i]
		default:
			out[i] = codec.Undefined
		}
	}
	return out
}
