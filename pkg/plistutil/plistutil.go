// Package plistutil provides small typed accessors over the loosely typed
// property-list dictionaries (map[string]any) that flow through lockdown
// and AFC responses, plus the null-separated string-list codec AFC uses for
// directory listings, device info, and file info (spec.md §4.E "Key
// semantics").
package plistutil

import (
	"bytes"
	"fmt"

	"github.com/gousbmux/gousbmux/pkg"
)

// Dict is a property-list dictionary as decoded by howett.net/plist into
// Go's generic representation.
type Dict map[string]any

// GetString returns the string value at key, or an error if absent or of
// the wrong type.
func (d Dict) GetString(key string) (string, error) {
	v, ok := d[key]
	if !ok {
		return "", pkg.New(pkg.KindPlistError, "plistutil.Dict.GetString", fmt.Sprintf("missing key %q", key))
	}
	s, ok := v.(string)
	if !ok {
		return "", pkg.New(pkg.KindPlistError, "plistutil.Dict.GetString", fmt.Sprintf("key %q is not a string", key))
	}
	return s, nil
}

// GetInt returns the integer value at key, accepting any of the concrete
// integer types howett.net/plist produces depending on wire width.
func (d Dict) GetInt(key string) (int64, error) {
	v, ok := d[key]
	if !ok {
		return 0, pkg.New(pkg.KindPlistError, "plistutil.Dict.GetInt", fmt.Sprintf("missing key %q", key))
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, pkg.New(pkg.KindPlistError, "plistutil.Dict.GetInt", fmt.Sprintf("key %q is not an integer", key))
	}
}

// GetBool returns the boolean value at key.
func (d Dict) GetBool(key string) (bool, error) {
	v, ok := d[key]
	if !ok {
		return false, pkg.New(pkg.KindPlistError, "plistutil.Dict.GetBool", fmt.Sprintf("missing key %q", key))
	}
	b, ok := v.(bool)
	if !ok {
		return false, pkg.New(pkg.KindPlistError, "plistutil.Dict.GetBool", fmt.Sprintf("key %q is not a bool", key))
	}
	return b, nil
}

// ParseStringList decodes AFC's null-separated string-list wire format: a
// sequence of NUL-terminated strings whose terminator is an empty string.
// The trailing empty entry produced by that terminator is expected and
// dropped, per spec.md §4.E.
func ParseStringList(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	parts := bytes.Split(data, []byte{0})
	// The wire terminator is a trailing empty string; drop exactly that one
	// element rather than every empty part, so a genuine empty-string entry
	// elsewhere in the list (unusual, but not forbidden) survives.
	if len(parts) > 0 && len(parts[len(parts)-1]) == 0 {
		parts = parts[:len(parts)-1]
	}
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}

// EncodeStringList is the inverse of ParseStringList: it writes each item
// followed by a NUL byte. Nothing in this module calls it; afc builds its
// request parameters with its own helpers.
func EncodeStringList(items ...string) []byte {
	var buf bytes.Buffer
	for _, it := range items {
		buf.WriteString(it)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}
