package policy

// Context is the policy-specific request payload supplied per evaluation.
// It is read-only from the rules' point of view and never persisted beyond
// the evaluation that received it.
type Context map[string]any

// Has reports whether a field is present and carries a usable value. Nil and
// empty-string values count as absent so callers cannot satisfy a required
// field with a placeholder.
func (c Context) Has(field string) bool {
	v, ok := c[field]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return false
	}
	return true
}

// String reads a string field.
func (c Context) String(field string) (string, bool) {
	v, ok := c[field].(string)
	return v, ok && v != ""
}

// Number reads a numeric field. JSON numbers decode as float64; integer
// values supplied programmatically are accepted too.
func (c Context) Number(field string) (float64, bool) {
	switch v := c[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Bool reads a boolean field.
func (c Context) Bool(field string) (bool, bool) {
	v, ok := c[field].(bool)
	return v, ok
}

// List reads a list field as raw elements.
func (c Context) List(field string) ([]any, bool) {
	v, ok := c[field].([]any)
	return v, ok
}

// Items reads a list-of-objects field, e.g. line items or a transaction
// batch. Elements that are not objects are skipped rather than failing the
// whole read; field-level validation belongs to the rules.
func (c Context) Items(field string) ([]Context, bool) {
	raw, ok := c[field].([]any)
	if !ok {
		return nil, false
	}
	items := make([]Context, 0, len(raw))
	for _, e := range raw {
		if m, isMap := e.(map[string]any); isMap {
			items = append(items, Context(m))
		}
	}
	return items, true
}
