// Package wireproto provides a strict JSON decoder for frames received
// from a feed server.
package wireproto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// StrictUnmarshal unmarshals data into v with strict validation:
//   - rejects duplicate keys that differ only by case (e.g. "name" and "Name")
//   - requires JSON field names to match struct tags exactly (case-sensitive)
//   - rejects unknown fields not present on v
//
// A client trusts server frames over a socket it does not fully control;
// Go's case-insensitive unmarshalling would otherwise let a server smuggle
// a second, differently-cased value for a field the client already decoded.
func StrictUnmarshal(data []byte, v any) error {
	if err := validateNoDuplicateKeys(data); err != nil {
		return fmt.Errorf("strict unmarshal: %w", err)
	}
	if err := validateFieldCase(data, v); err != nil {
		return fmt.Errorf("strict unmarshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("strict unmarshal: %w", err)
	}
	return nil
}

func validateNoDuplicateKeys(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// Not an object: no duplicate-key ambiguity is possible.
		return nil
	}

	seen := make(map[string]string, len(raw))
	for key := range raw {
		lower := strings.ToLower(key)
		if original, ok := seen[lower]; ok && original != key {
			return fmt.Errorf("duplicate key with different case: %q and %q", original, key)
		}
		seen[lower] = key
	}
	return nil
}

func validateFieldCase(data []byte, v any) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}

	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}

	known := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		name, _, _ := strings.Cut(tag, ",")
		if name == "" {
			name = f.Name
		}
		if name == "-" {
			continue
		}
		known[name] = true
	}

	for key := range raw {
		if known[key] {
			continue
		}
		lower := strings.ToLower(key)
		for name := range known {
			if strings.ToLower(name) == lower {
				return fmt.Errorf("field name %q does not match expected case %q", key, name)
			}
		}
	}
	return nil
}
