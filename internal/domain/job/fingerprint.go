package job

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// Canonicalize renders args as canonical JSON: object keys sorted, no insignificant
// whitespace, integral numbers without fraction or exponent, HTML escaping off.
// Nil args canonicalize to "{}". The encoding is persisted through fingerprints and must
// stay stable across releases.
func Canonicalize(args map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if args == nil {
		args = map[string]any{}
	}
	if err := writeCanonical(&buf, args); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Fingerprint returns the dedup key of a job: hex(sha256(name + "\x00" + canonical(args))).
func Fingerprint(name string, args map[string]any) (string, error) {
	canon, err := Canonicalize(args)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case string:
		return writeString(buf, val)
	case json.Number:
		return writeNumber(buf, val.String())
	case float64:
		return writeFloat(buf, val)
	case float32:
		return writeFloat(buf, float64(val))
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int8, int16, int32, int64:
		buf.WriteString(strconv.FormatInt(reflect.ValueOf(val).Int(), 10))
	case uint, uint8, uint16, uint32, uint64:
		buf.WriteString(strconv.FormatUint(reflect.ValueOf(val).Uint(), 10))
	case map[string]any:
		return writeObject(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return writeViaJSON(buf, val)
	}
	return nil
}

func writeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeNumber keeps integer literals exact at any magnitude. Literals with a fraction or
// exponent are read as float64.
func writeNumber(buf *bytes.Buffer, lit string) error {
	if !strings.ContainsAny(lit, ".eE") {
		n, ok := new(big.Int).SetString(lit, 10)
		if !ok {
			return fmt.Errorf("canonicalize number %q: not an integer", lit)
		}
		buf.WriteString(n.String())
		return nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return fmt.Errorf("canonicalize number %q: %w", lit, err)
	}
	return writeFloat(buf, f)
}

// writeFloat renders integral values as plain decimal integers, whatever their magnitude,
// so 2.0, int(2) and json.Number("2") agree. Other values use the shortest 'g' form.
func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonicalize: unsupported number %v", f)
	}
	if f == math.Trunc(f) {
		if f == 0 {
			f = 0 // negative zero
		}
		buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encode appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

// writeViaJSON normalizes arbitrary Go values (structs, typed maps and slices) through
// a JSON round trip so they canonicalize like their decoded form.
func writeViaJSON(buf *bytes.Buffer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("canonicalize %T: %w", v, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("canonicalize %T: %w", v, err)
	}
	return writeCanonical(buf, generic)
}
