package equipment

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/OChRA-lab/ochra-sub000/protocol"
)

// Args is the decoded argument map of an Operation. Numbers arrive as
// float64 after JSON decoding.
type Args map[string]any

func missing(name string) error {
	return protocol.Errorf(protocol.KindMethod, "missing argument %q", name)
}

func wrongType(name, want string, v any) error {
	return protocol.Errorf(protocol.KindMethod, "argument %q: want %s, got %T", name, want, v)
}

// Only rejects any argument whose name is not listed.
func (a Args) Only(names ...string) error {
	var extra []string
	for k := range a {
		if !slices.Contains(names, k) {
			extra = append(extra, fmt.Sprintf("%q", k))
		}
	}
	if len(extra) == 0 {
		return nil
	}
	sort.Strings(extra)
	return protocol.Errorf(protocol.KindMethod, "unexpected argument %s", strings.Join(extra, ", "))
}

// Has reports whether the argument was supplied.
func (a Args) Has(name string) bool {
	_, ok := a[name]
	return ok
}

func (a Args) Float(name string) (float64, error) {
	v, ok := a[name]
	if !ok {
		return 0, missing(name)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, wrongType(name, "number", v)
		}
		return f, nil
	}
	return 0, wrongType(name, "number", v)
}

func (a Args) Int(name string) (int, error) {
	f, err := a.Float(name)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, protocol.Errorf(protocol.KindMethod, "argument %q: want integer, got %v", name, f)
	}
	return int(f), nil
}

func (a Args) String(name string) (string, error) {
	v, ok := a[name]
	if !ok {
		return "", missing(name)
	}
	s, ok := v.(string)
	if !ok {
		return "", wrongType(name, "string", v)
	}
	return s, nil
}

func (a Args) Bool(name string) (bool, error) {
	v, ok := a[name]
	if !ok {
		return false, missing(name)
	}
	b, ok := v.(bool)
	if !ok {
		return false, wrongType(name, "bool", v)
	}
	return b, nil
}

// StringOr returns the named string argument or def when it is absent.
func (a Args) StringOr(name, def string) (string, error) {
	if !a.Has(name) {
		return def, nil
	}
	return a.String(name)
}

// IntOr returns the named integer argument or def when it is absent.
func (a Args) IntOr(name string, def int) (int, error) {
	if !a.Has(name) {
		return def, nil
	}
	return a.Int(name)
}

// Decode copies the arguments into v through JSON.
func (a Args) Decode(v any) error {
	data, err := json.Marshal(a)
	if err != nil {
		return protocol.Wrap(protocol.KindMethod, err, "encode arguments")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return protocol.Wrap(protocol.KindMethod, err, "decode arguments")
	}
	return nil
}
