// Package phpserial decodes the wiki's log_params payloads. Modern rows
// are PHP-serialized associative arrays whose keys carry positional
// "N::key" prefixes; rows predating that are a bare newline-separated
// form. Only the sub-grammar the deletion log actually uses is supported.
package phpserial

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"dispatch/internal/domain"
)

// ErrMalformed reports input outside the supported sub-grammar.
var ErrMalformed = errors.New("phpserial: malformed payload")

// Value is a decoded PHP value: int64, string, bool, float64, nil, or
// *Array.
type Value any

// Array preserves insertion order of a PHP array.
type Array struct {
	keys   []Value
	values map[string]Value
}

func newArray() *Array {
	return &Array{values: map[string]Value{}}
}

func (a *Array) set(key, value Value) {
	k := keyString(key)
	if _, ok := a.values[k]; !ok {
		a.keys = append(a.keys, key)
	}
	a.values[k] = value
}

// Get returns the value stored under key (int or string).
func (a *Array) Get(key Value) (Value, bool) {
	v, ok := a.values[keyString(key)]
	return v, ok
}

// Len reports the element count.
func (a *Array) Len() int { return len(a.keys) }

// Values returns the elements in insertion order.
func (a *Array) Values() []Value {
	out := make([]Value, 0, len(a.keys))
	for _, key := range a.keys {
		out = append(out, a.values[keyString(key)])
	}
	return out
}

// StringKeys returns the string-typed keys in insertion order.
func (a *Array) StringKeys() []string {
	var out []string
	for _, key := range a.keys {
		if s, ok := key.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func keyString(key Value) string {
	switch k := key.(type) {
	case string:
		return "s:" + k
	case int64:
		return "i:" + strconv.FormatInt(k, 10)
	default:
		return fmt.Sprintf("x:%v", k)
	}
}

// Parse decodes one serialized value from the head of input.
func Parse(input []byte) (Value, error) {
	p := &parser{data: input}
	value, err := p.value()
	if err != nil {
		return nil, err
	}
	return value, nil
}

type parser struct {
	data []byte
	pos  int
}

func (p *parser) fail(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d", ErrMalformed, fmt.Sprintf(format, args...), p.pos)
}

func (p *parser) expect(b byte) error {
	if p.pos >= len(p.data) || p.data[p.pos] != b {
		return p.fail("expected %q", string(b))
	}
	p.pos++
	return nil
}

func (p *parser) readInt() (int64, error) {
	start := p.pos
	for p.pos < len(p.data) && (p.data[p.pos] == '-' || p.data[p.pos] >= '0' && p.data[p.pos] <= '9') {
		p.pos++
	}
	if p.pos == start {
		return 0, p.fail("expected integer")
	}
	n, err := strconv.ParseInt(string(p.data[start:p.pos]), 10, 64)
	if err != nil {
		return 0, p.fail("bad integer: %v", err)
	}
	return n, nil
}

func (p *parser) value() (Value, error) {
	if p.pos >= len(p.data) {
		return nil, p.fail("unexpected end")
	}

	kind := p.data[p.pos]
	p.pos++
	switch kind {
	case 'N':
		if err := p.expect(';'); err != nil {
			return nil, err
		}
		return nil, nil
	case 'i':
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		n, err := p.readInt()
		if err != nil {
			return nil, err
		}
		if err := p.expect(';'); err != nil {
			return nil, err
		}
		return n, nil
	case 'b':
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		n, err := p.readInt()
		if err != nil {
			return nil, err
		}
		if err := p.expect(';'); err != nil {
			return nil, err
		}
		return n != 0, nil
	case 'd':
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		start := p.pos
		for p.pos < len(p.data) && p.data[p.pos] != ';' {
			p.pos++
		}
		f, err := strconv.ParseFloat(string(p.data[start:p.pos]), 64)
		if err != nil {
			return nil, p.fail("bad float: %v", err)
		}
		if err := p.expect(';'); err != nil {
			return nil, err
		}
		return f, nil
	case 's':
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		length, err := p.readInt()
		if err != nil {
			return nil, err
		}
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		if err := p.expect('"'); err != nil {
			return nil, err
		}
		end := p.pos + int(length)
		if length < 0 || end > len(p.data) {
			return nil, p.fail("string length %d overruns input", length)
		}
		s := string(p.data[p.pos:end])
		p.pos = end
		if err := p.expect('"'); err != nil {
			return nil, err
		}
		if err := p.expect(';'); err != nil {
			return nil, err
		}
		return s, nil
	case 'a':
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		count, err := p.readInt()
		if err != nil {
			return nil, err
		}
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		if err := p.expect('{'); err != nil {
			return nil, err
		}
		arr := newArray()
		for i := int64(0); i < count; i++ {
			key, err := p.value()
			if err != nil {
				return nil, err
			}
			value, err := p.value()
			if err != nil {
				return nil, err
			}
			arr.set(key, value)
		}
		if err := p.expect('}'); err != nil {
			return nil, err
		}
		return arr, nil
	default:
		return nil, p.fail("unsupported type %q", string(kind))
	}
}

// ParseDeletionParams decodes a delete/revision log_params payload. The
// serialized form starts with "a:"; anything else is treated as the
// legacy newline form.
func ParseDeletionParams(raw []byte) (*domain.DeletionParams, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if strings.HasPrefix(trimmed, "a:") {
		return parseSerializedParams([]byte(trimmed))
	}
	return parseLegacyParams(trimmed)
}

// arrayField resolves a value under its positional "N::key" name or the
// bare key.
func arrayField(arr *Array, key string) (Value, bool) {
	for _, name := range arr.StringKeys() {
		bare := name
		if _, rest, found := strings.Cut(name, "::"); found {
			bare = rest
		}
		if bare == key {
			return arr.Get(name)
		}
	}
	return nil, false
}

func parseSerializedParams(raw []byte) (*domain.DeletionParams, error) {
	value, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	arr, ok := value.(*Array)
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is not an array", ErrMalformed)
	}

	params := &domain.DeletionParams{}
	if v, ok := arrayField(arr, "type"); ok {
		if s, ok := v.(string); ok {
			params.Type = s
		}
	}
	if v, ok := arrayField(arr, "ids"); ok {
		if ids, ok := v.(*Array); ok {
			for _, elem := range ids.Values() {
				switch id := elem.(type) {
				case int64:
					params.IDs = append(params.IDs, id)
				case string:
					if n, err := strconv.ParseInt(id, 10, 64); err == nil {
						params.IDs = append(params.IDs, n)
					}
				}
			}
		}
	}
	if v, ok := arrayField(arr, "ofield"); ok {
		params.OldFlags = domain.DecodeDeletionFlags(intValue(v))
	}
	if v, ok := arrayField(arr, "nfield"); ok {
		params.NewFlags = domain.DecodeDeletionFlags(intValue(v))
	}
	return params, nil
}

func intValue(v Value) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case string:
		parsed, _ := strconv.Atoi(n)
		return parsed
	default:
		return 0
	}
}

// parseLegacyParams decodes the pre-serialization newline form: the type
// on the first line, comma-separated revids on the second, then
// ofield=/nfield= pairs.
func parseLegacyParams(raw string) (*domain.DeletionParams, error) {
	lines := strings.Split(raw, "\n")
	params := &domain.DeletionParams{Type: strings.TrimSpace(lines[0])}
	if len(lines) < 2 {
		return nil, fmt.Errorf("%w: legacy form without ids line", ErrMalformed)
	}

	for _, field := range strings.Split(strings.TrimSpace(lines[1]), ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: legacy id %q", ErrMalformed, field)
		}
		params.IDs = append(params.IDs, id)
	}

	for _, line := range lines[2:] {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "ofield="):
			mask, _ := strconv.Atoi(strings.TrimPrefix(line, "ofield="))
			params.OldFlags = domain.DecodeDeletionFlags(mask)
		case strings.HasPrefix(line, "nfield="):
			mask, _ := strconv.Atoi(strings.TrimPrefix(line, "nfield="))
			params.NewFlags = domain.DecodeDeletionFlags(mask)
		}
	}
	return params, nil
}
