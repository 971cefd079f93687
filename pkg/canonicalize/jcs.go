// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// compliant serialization. Every hash and signature in the routing plane is
// computed over the output of this package, so two logically equal values
// must always produce byte-identical canonical forms.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrNotCanonicalizable wraps any input that cannot be rendered as canonical
// JSON (cyclic structures, NaN/Inf floats, unsupported types). Callers map
// it to the CANONICALIZATION_ERROR code; data is never silently dropped.
var ErrNotCanonicalizable = errors.New("canonicalize: input not canonicalizable")

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// Key features:
//  1. Map keys are sorted lexicographically by UTF-8 bytes.
//  2. HTML escaping is DISABLED (unlike standard json.Marshal).
//  3. Numbers use the shortest ES6 representation (via strconv 'g' shortest
//     formatting), with integral floats rendered without a fraction.
func JCS(v interface{}) ([]byte, error) {
	// Marshal to intermediate JSON first so struct tags are respected, then
	// decode generically with UseNumber to control ordering and formatting.
	// Cycles and NaN/Inf fail here.
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCanonicalizable, err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: intermediate decode: %v", ErrNotCanonicalizable, err)
	}

	var buf bytes.Buffer
	if err := marshalRecursive(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical form of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns a hex string.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// JCSString returns the canonical form as a string.
func JCSString(v interface{}) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalRecursive(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return writeNumber(buf, t)
	case string:
		return writeString(buf, t)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalRecursive(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := marshalRecursive(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrNotCanonicalizable, v)
	}
}

// writeString encodes a JSON string with the minimal escape set RFC 8785
// mandates. Only the quote, backslash and control characters below U+0020
// are escaped; everything else, including <, >, &, U+2028 and U+2029, is
// written as literal UTF-8. The standard json.Encoder escapes the line and
// paragraph separators even with HTML escaping off, so it cannot be used
// here.
func writeString(buf *bytes.Buffer, s string) error {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
	return nil
}

// writeNumber renders a json.Number in the ES6 shortest-round-trip form
// RFC 8785 mandates. Integers within the exact float64 range are written
// bare; everything else goes through shortest float formatting.
func writeNumber(buf *bytes.Buffer, n json.Number) error {
	// Fast path: integral literal without exponent or fraction.
	s := n.String()
	if !bytes.ContainsAny([]byte(s), ".eE") {
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			buf.WriteString(s)
			return nil
		}
	}

	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("%w: number %q: %v", ErrNotCanonicalizable, s, err)
	}
	if f == float64(int64(f)) && f < 1e21 && f > -1e21 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}
