package policy

import (
	"strings"

	"aport/internal/passport"
	dErrors "aport/pkg/domain-errors"
)

// Kind is the declared value type of a limit key.
type Kind string

const (
	KindNumber          Kind = "number"
	KindString          Kind = "string"
	KindBool            Kind = "bool"
	KindStringList      Kind = "string_list"
	KindNumberByKey     Kind = "number_by_key"
	KindStringListByKey Kind = "string_list_by_key"
)

// Key declares one limit a policy understands. Every limit a rule references
// must be declared here; referencing an undeclared key fails at registration,
// not silently at evaluation time.
type Key struct {
	Name string
	Kind Kind
}

// Schema is the full set of limit keys a policy understands.
type Schema []Key

func (s Schema) kind(name string) (Kind, bool) {
	for _, k := range s {
		if k.Name == name {
			return k.Kind, true
		}
	}
	return "", false
}

// Limits holds the typed limit values resolved for one evaluation. A key that
// the passport does not configure is simply unset; rules treat unset as
// "no restriction" for lists and "uncapped" for numbers.
type Limits struct {
	values map[string]any
}

// ResolveLimits reads every schema key from the capability's params, falling
// back to the passport's nested limits for the policy's domain, and coerces
// each value to its declared kind. A present value of the wrong shape is a
// validation error: a malformed passport must fail loudly, never evaluate as
// "no limit".
func ResolveLimits(schema Schema, grant passport.Capability, p *passport.Passport, domain string) (Limits, error) {
	var nested map[string]any
	if p != nil && p.Limits != nil {
		if m, ok := p.Limits[domain].(map[string]any); ok {
			nested = m
		}
	}

	out := Limits{values: make(map[string]any, len(schema))}
	for _, k := range schema {
		raw, ok := grant.Params[k.Name]
		if !ok {
			raw, ok = nested[k.Name]
		}
		if !ok || raw == nil {
			continue
		}
		v, err := coerce(raw, k.Kind)
		if err != nil {
			return Limits{}, dErrors.Wrapf(err, dErrors.CodeValidation, "limit %q", k.Name)
		}
		out.values[k.Name] = v
	}
	return out, nil
}

func coerce(raw any, kind Kind) (any, error) {
	switch kind {
	case KindNumber:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case KindString:
		if v, ok := raw.(string); ok {
			return v, nil
		}
	case KindBool:
		if v, ok := raw.(bool); ok {
			return v, nil
		}
	case KindStringList:
		switch v := raw.(type) {
		case []string:
			return v, nil
		case []any:
			out := make([]string, 0, len(v))
			for _, e := range v {
				s, ok := e.(string)
				if !ok {
					return nil, dErrors.New(dErrors.CodeValidation, "expected a list of strings")
				}
				out = append(out, s)
			}
			return out, nil
		}
	case KindNumberByKey:
		// Keys are matched case-insensitively against lowercased group keys
		// (a "USD" cap must bound "usd" traffic), so normalize them here.
		if m, ok := raw.(map[string]any); ok {
			out := make(map[string]float64, len(m))
			for mk, mv := range m {
				n, err := coerce(mv, KindNumber)
				if err != nil {
					return nil, dErrors.Newf(dErrors.CodeValidation, "key %q: expected a number", mk)
				}
				out[strings.ToLower(mk)] = n.(float64)
			}
			return out, nil
		}
		if m, ok := raw.(map[string]float64); ok {
			out := make(map[string]float64, len(m))
			for mk, mv := range m {
				out[strings.ToLower(mk)] = mv
			}
			return out, nil
		}
	case KindStringListByKey:
		if m, ok := raw.(map[string]any); ok {
			out := make(map[string][]string, len(m))
			for mk, mv := range m {
				l, err := coerce(mv, KindStringList)
				if err != nil {
					return nil, dErrors.Newf(dErrors.CodeValidation, "key %q: expected a list of strings", mk)
				}
				out[mk] = l.([]string)
			}
			return out, nil
		}
		if m, ok := raw.(map[string][]string); ok {
			return m, nil
		}
	}
	return nil, dErrors.Newf(dErrors.CodeValidation, "expected %s", kind)
}

// Number reads a numeric limit. ok=false means uncapped.
func (l Limits) Number(name string) (float64, bool) {
	v, ok := l.values[name].(float64)
	return v, ok
}

// String reads a string limit.
func (l Limits) String(name string) (string, bool) {
	v, ok := l.values[name].(string)
	return v, ok
}

// Bool reads a boolean limit.
func (l Limits) Bool(name string) (bool, bool) {
	v, ok := l.values[name].(bool)
	return v, ok
}

// Strings reads a string-list limit. ok=false means no restriction.
func (l Limits) Strings(name string) ([]string, bool) {
	v, ok := l.values[name].([]string)
	return v, ok
}

// NumberFor reads an entry of a keyed numeric limit, e.g. a per-currency cap.
// Entries are stored under lowercased keys; pass the key already normalized.
func (l Limits) NumberFor(name, key string) (float64, bool) {
	m, ok := l.values[name].(map[string]float64)
	if !ok {
		return 0, false
	}
	v, ok := m[key]
	return v, ok
}

// StringsFor reads an entry of a keyed string-list limit.
func (l Limits) StringsFor(name, key string) ([]string, bool) {
	m, ok := l.values[name].(map[string][]string)
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// Set reports whether the passport configured a value for the key at all.
func (l Limits) Set(name string) bool {
	_, ok := l.values[name]
	return ok
}
