// Package types is the default type-normalization service: it validates raw
// field values and turns them into the canonical comparable form stored in
// indices.
package types

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/drpcorg/tank/tank_errors"
)

// Service normalizes raw values by type name. Normalize fails with
// ErrUnknownType or ErrInvalidValue.
type Service interface {
	Normalize(syntype string, raw any) (any, error)
	Has(syntype string) bool
}

type Type interface {
	Name() string
	Norm(raw any) (any, error)
}

type Registry struct {
	lock  sync.RWMutex
	types map[string]Type
}

// NewRegistry returns a registry with the built-in int, str, bool and time
// types.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[string]Type)}
	r.Add(Int{})
	r.Add(Str{})
	r.Add(Bool{})
	r.Add(Time{})
	return r
}

func (r *Registry) Add(t Type) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.types[t.Name()] = t
}

func (r *Registry) Has(syntype string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, ok := r.types[syntype]
	return ok
}

func (r *Registry) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Normalize(syntype string, raw any) (any, error) {
	r.lock.RLock()
	t, ok := r.types[syntype]
	r.lock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", tank_errors.ErrUnknownType, syntype)
	}
	return t.Norm(raw)
}

func invalid(syntype string, raw any) error {
	return fmt.Errorf("%w: %s %#v", tank_errors.ErrInvalidValue, syntype, raw)
}

// Int normalizes integers, integral floats and numeric strings to int64.
type Int struct{}

func (Int) Name() string { return "int" }

func (i Int) Norm(raw any) (any, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return i.fromUint(uint64(v))
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return i.fromUint(v)
	case float32:
		return i.fromFloat(float64(v))
	case float64:
		return i.fromFloat(v)
	case string:
		n, ok := parseInt(strings.TrimSpace(v))
		if !ok {
			return nil, invalid(i.Name(), raw)
		}
		return n, nil
	default:
		return nil, invalid(i.Name(), raw)
	}
}

// parseInt reads signed decimal, or hex after a 0x prefix. Leading zeros
// are decimal and digit separators are rejected.
func parseInt(s string) (int64, bool) {
	body := s
	neg := false
	if len(body) > 0 && (body[0] == '+' || body[0] == '-') {
		neg = body[0] == '-'
		body = body[1:]
	}
	if len(body) > 2 && body[0] == '0' && (body[1] == 'x' || body[1] == 'X') {
		u, err := strconv.ParseUint(body[2:], 16, 64)
		switch {
		case err != nil:
			return 0, false
		case neg && u <= 1<<63:
			return -int64(u), true
		case !neg && u <= math.MaxInt64:
			return int64(u), true
		default:
			return 0, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

func (i Int) fromUint(v uint64) (any, error) {
	if v > math.MaxInt64 {
		return nil, invalid(i.Name(), v)
	}
	return int64(v), nil
}

func (i Int) fromFloat(v float64) (any, error) {
	if v != math.Trunc(v) || v < math.MinInt64 || v >= math.MaxInt64 {
		return nil, invalid(i.Name(), v)
	}
	return int64(v), nil
}

// Str accepts strings and byte slices.
type Str struct{}

func (Str) Name() string { return "str" }

func (s Str) Norm(raw any) (any, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return nil, invalid(s.Name(), raw)
	}
}

type Bool struct{}

func (Bool) Name() string { return "bool" }

func (b Bool) Norm(raw any) (any, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		p, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, invalid(b.Name(), raw)
		}
		return p, nil
	}
	n, err := Int{}.Norm(raw)
	if err != nil {
		return nil, invalid(b.Name(), raw)
	}
	switch n.(int64) {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return nil, invalid(b.Name(), raw)
}

// Time normalizes to epoch milliseconds. Strings are RFC 3339.
type Time struct{}

func (Time) Name() string { return "time" }

func (tm Time) Norm(raw any) (any, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UnixMilli(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v))
		if err != nil {
			return nil, invalid(tm.Name(), raw)
		}
		return parsed.UnixMilli(), nil
	}
	n, err := Int{}.Norm(raw)
	if err != nil {
		return nil, invalid(tm.Name(), raw)
	}
	return n, nil
}
