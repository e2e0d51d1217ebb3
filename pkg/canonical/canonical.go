// Package canonical produces the canonical JSON encoding used as the only
// hashing input across the journal, capability tokens, and contracts.
//
// Canonical form: object keys sorted lexicographically, UTF-8, no insignificant
// whitespace, numbers in their shortest round-trip form.
package canonical

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// ZeroHash is the hash_prev of the first record in a chain.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Marshal encodes v in canonical form.
func Marshal(v any) ([]byte, error) {
	// Round-trip through encoding/json first so struct tags and custom
	// marshalers apply before canonicalization.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var decoded any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeValue(&buf, decoded); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the hex SHA-256 of the canonical encoding of v.
func Hash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HMAC returns the hex HMAC-SHA256 of the canonical encoding of v under key.
func HMAC(key []byte, v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyHMAC reports whether sig is a valid HMAC for v under key, in constant time.
func VerifyHMAC(key []byte, v any, sig string) bool {
	expected, err := HMAC(key, v)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(sig))
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(encoded)
	case json.Number:
		return writeNumber(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encoded, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(encoded)
			buf.WriteByte(':')
			if err := writeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}

// writeNumber emits the shortest round-trip form. Integral values keep their
// integer representation; everything else goes through strconv with -1 precision.
func writeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canonical: bad number %q", s)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return fmt.Errorf("canonical: non-finite number %q", s)
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}
