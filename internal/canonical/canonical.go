// Package canonical implements the canonical serialization and content
// hashing contract shared by the cache, idempotency store and envelopes.
// Two structurally equal values always hash to the same digest regardless
// of map iteration order, insignificant whitespace or Unicode form.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeString applies NFC normalization and collapses interior
// whitespace runs to a single space. Leading and trailing whitespace is
// trimmed. NormalizeString is idempotent.
func NormalizeString(s string) string {
	s = norm.NFC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// Canonicalize converts an arbitrary JSON-marshalable value into its
// canonical byte serialization: strings normalized, map keys sorted,
// numbers rendered in their shortest round-trip form.
func Canonicalize(v any) ([]byte, error) {
	node, err := toNode(v)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	if err := writeNode(&b, node); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// Hash returns "sha256:<64 hex>" over the canonical serialization of v.
func Hash(v any) (string, error) {
	data, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// HashBytes returns "sha256:<64 hex>" over raw bytes, for payloads that are
// already serialized (published files, SVG output).
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Key computes a typed cache key: "<keyType>:<hex digest>".
func Key(keyType string, content any) (string, error) {
	data, err := Canonicalize(content)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return keyType + ":" + hex.EncodeToString(sum[:]), nil
}

// toNode reduces v to the JSON data model (nil, bool, float64, string,
// []any, map[string]any) by round-tripping through encoding/json. This
// makes struct inputs and their decoded-map equivalents hash identically.
func toNode(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64, int, int64, []any, map[string]any:
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("canonicalize: %w", err)
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, fmt.Errorf("canonicalize: %w", err)
		}
		return decoded, nil
	}
	return v, nil
}

func writeNode(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case string:
		data, _ := json.Marshal(NormalizeString(t))
		b.Write(data)
	case int:
		b.WriteString(strconv.Itoa(t))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("canonicalize: non-finite number")
		}
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			b.WriteString(strconv.FormatInt(int64(t), 10))
		} else {
			b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
		}
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeNode(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			data, _ := json.Marshal(k)
			b.Write(data)
			b.WriteByte(':')
			if err := writeNode(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		node, err := toNode(v)
		if err != nil {
			return err
		}
		return writeNode(b, node)
	}
	return nil
}
