package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/agrimesh/fieldgate/errors"
)

// Metrics is an ordered mapping of metric name to numeric value.
// Device payloads are schema-free: metric names are not fixed at compile
// time, and key order from the wire is preserved through the pipeline so
// aggregates and snapshots report metrics the way devices sent them.
type Metrics struct {
	keys   []string
	values map[string]float64
}

// NewMetrics returns an empty metric mapping.
func NewMetrics() *Metrics {
	return &Metrics{values: make(map[string]float64)}
}

// Set stores a value for name, appending name to the key order on first set.
func (m *Metrics) Set(name string, value float64) {
	if m.values == nil {
		m.values = make(map[string]float64)
	}
	if _, exists := m.values[name]; !exists {
		m.keys = append(m.keys, name)
	}
	m.values[name] = value
}

// Get returns the value for name and whether it is present.
func (m *Metrics) Get(name string) (float64, bool) {
	if m == nil || m.values == nil {
		return 0, false
	}
	v, ok := m.values[name]
	return v, ok
}

// Delete removes name, keeping the order of the remaining metrics.
func (m *Metrics) Delete(name string) {
	if m == nil || m.values == nil {
		return
	}
	if _, ok := m.values[name]; !ok {
		return
	}
	delete(m.values, name)
	for i, k := range m.keys {
		if k == name {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Has reports whether name is present.
func (m *Metrics) Has(name string) bool {
	_, ok := m.Get(name)
	return ok
}

// Len returns the number of metrics.
func (m *Metrics) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns metric names in insertion order. The returned slice is a copy.
func (m *Metrics) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Clone returns a deep copy of the mapping.
func (m *Metrics) Clone() *Metrics {
	if m == nil {
		return NewMetrics()
	}
	clone := &Metrics{
		keys:   make([]string, len(m.keys)),
		values: make(map[string]float64, len(m.values)),
	}
	copy(clone.keys, m.keys)
	for k, v := range m.values {
		clone.values[k] = v
	}
	return clone
}

// MarshalJSON emits a JSON object with keys in insertion order.
func (m *Metrics) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		value, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses a JSON object preserving key order. Non-numeric
// values and null are skipped rather than coerced: an absent metric must
// stay absent so aggregation never pads with zeros.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	m.keys = nil
	m.values = make(map[string]float64)

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return errors.WrapInvalid(err, "Metrics", "UnmarshalJSON", "read opening token")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.WrapInvalid(
			fmt.Errorf("expected JSON object, got %v", tok),
			"Metrics", "UnmarshalJSON", "shape validation")
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return errors.WrapInvalid(err, "Metrics", "UnmarshalJSON", "read key")
		}
		key, ok := keyTok.(string)
		if !ok {
			return errors.WrapInvalid(
				fmt.Errorf("non-string key %v", keyTok),
				"Metrics", "UnmarshalJSON", "key validation")
		}

		valTok, err := dec.Token()
		if err != nil {
			return errors.WrapInvalid(err, "Metrics", "UnmarshalJSON", "read value")
		}

		switch v := valTok.(type) {
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return errors.WrapInvalid(err, "Metrics", "UnmarshalJSON", "parse number")
			}
			m.Set(key, f)
		case json.Delim:
			// Nested object or array: skip the whole value.
			if err := skipValue(dec, v); err != nil {
				return errors.WrapInvalid(err, "Metrics", "UnmarshalJSON", "skip nested value")
			}
		default:
			// Strings, booleans, null: not metric values, skipped.
		}
	}

	// Consume closing brace.
	if _, err := dec.Token(); err != nil {
		return errors.WrapInvalid(err, "Metrics", "UnmarshalJSON", "read closing token")
	}

	return nil
}

// skipValue consumes the remainder of a compound value whose opening
// delimiter has already been read.
func skipValue(dec *json.Decoder, open json.Delim) error {
	if open != '{' && open != '[' {
		return nil
	}
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}
