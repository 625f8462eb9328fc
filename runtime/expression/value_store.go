package expression

import "fmt"

// ValueStore stores values in a flat map with underscore-separated keys.
// Keys like "steps.build.outputs.version" are stored as
// "steps_build_outputs_version". Nested maps and arrays are recursively
// expanded into flat keys.
type ValueStore struct {
	values map[string]any
}

func NewValueStore() *ValueStore {
	return &ValueStore{
		values: make(map[string]any),
	}
}

// NewValueStoreFrom flattens every top-level entry of values.
func NewValueStoreFrom(values map[string]any) *ValueStore {
	s := NewValueStore()
	for k, v := range values {
		s.SetNested(k, v)
	}
	return s
}

func (s *ValueStore) Set(key string, value any) {
	s.values[FormatKey(key)] = value
}

func (s *ValueStore) Get(key string) (any, bool) {
	v, ok := s.values[FormatKey(key)]
	return v, ok
}

// SetNested stores a value and recursively expands nested maps/arrays into flat keys.
func (s *ValueStore) SetNested(prefix string, value any) {
	s.Set(prefix, value)

	switch v := value.(type) {
	case map[string]any:
		for k, val := range v {
			s.SetNested(prefix+"."+k, val)
		}
	case map[string]string:
		for k, val := range v {
			s.SetNested(prefix+"."+k, val)
		}
	case []any:
		for i, val := range v {
			s.SetNested(fmt.Sprintf("%s.%d", prefix, i), val)
		}
	}
}

// All returns the flat map. The caller must not retain it across mutations.
func (s *ValueStore) All() map[string]any {
	return s.values
}
