package config

// section reads typed values from one group of the raw JSON document and
// remembers the first type error it meets.
type section struct {
	name string
	raw  map[string]any
	err  *Error
}

func newSection(raw map[string]any, name string) (*section, *Error) {
	s := &section{name: name}
	v, ok := raw[name]
	if !ok || v == nil {
		return s, nil
	}
	group, ok := v.(map[string]any)
	if !ok {
		return s, &Error{Field: name, Reason: "must be an object"}
	}
	s.raw = group
	return s, nil
}

func (s *section) fail(key, reason string) {
	if s.err == nil {
		s.err = &Error{Field: s.name + "." + key, Reason: reason}
	}
}

func (s *section) str(key string, dst *string) {
	v, ok := s.raw[key]
	if !ok {
		return
	}
	if x, ok := asString(v); ok {
		*dst = x
		return
	}
	s.fail(key, "must be a string")
}

func (s *section) boolean(key string, dst *bool) {
	v, ok := s.raw[key]
	if !ok {
		return
	}
	if x, ok := asBool(v); ok {
		*dst = x
		return
	}
	s.fail(key, "must be a boolean")
}

func (s *section) integer(key string, dst *int) {
	v, ok := s.raw[key]
	if !ok {
		return
	}
	if x, ok := asInt(v); ok {
		*dst = x
		return
	}
	s.fail(key, "must be an integer")
}

func (s *section) uint(key string, dst *uint64) {
	v, ok := s.raw[key]
	if !ok {
		return
	}
	if x, ok := asInt(v); ok && x >= 0 {
		*dst = uint64(x)
		return
	}
	s.fail(key, "must be a nonnegative integer")
}

func (s *section) float(key string, dst *float64) {
	v, ok := s.raw[key]
	if !ok {
		return
	}
	if x, ok := asFloat64(v); ok {
		*dst = x
		return
	}
	s.fail(key, "must be a number")
}

func (s *section) strings(key string, dst *[]string) {
	v, ok := s.raw[key]
	if !ok {
		return
	}
	if x, ok := asStrings(v); ok {
		*dst = x
		return
	}
	s.fail(key, "must be a list of strings")
}

func (s *section) ints(key string, dst *[]int) {
	v, ok := s.raw[key]
	if !ok {
		return
	}
	if x, ok := asInts(v); ok {
		*dst = x
		return
	}
	s.fail(key, "must be a list of integers")
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		if x != float64(int(x)) {
			return 0, false
		}
		return int(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

func asStrings(v any) ([]string, bool) {
	switch xs := v.(type) {
	case []string:
		return append([]string(nil), xs...), true
	case []any:
		out := make([]string, 0, len(xs))
		for _, item := range xs {
			s, ok := asString(item)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func asInts(v any) ([]int, bool) {
	switch xs := v.(type) {
	case []int:
		return append([]int(nil), xs...), true
	case []any:
		out := make([]int, 0, len(xs))
		for _, item := range xs {
			n, ok := asInt(item)
			if !ok {
				return nil, false
			}
			out = append(out, n)
		}
		return out, true
	default:
		return nil, false
	}
}
