package key

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// NullToken is the canonical placeholder that stands in for an absent field
// when the natural key is serialized for hashing. It is deliberately not the
// empty string, so that ("a", NULL) and ("a", "") produce different keys.
const NullToken = "\x00__strata_null__\x00"

// Value is a nullable field value participating in a surrogate key. The zero
// value is null.
type Value struct {
	raw   string
	valid bool
}

func String(s string) Value {
	return Value{raw: s, valid: true}
}

func Null() Value {
	return Value{}
}

func (v Value) IsNull() bool {
	return !v.valid
}

// Canonical converts an arbitrary scanned database value into a Value with a
// stable textual form: times are rendered in UTC with full precision, floats
// with the shortest round-trippable representation, and nil becomes null.
// Two runs scanning the same stored cell always canonicalize identically.
func Canonical(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case string:
		return String(t)
	case []byte:
		return String(string(t))
	case time.Time:
		return String(t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"))
	case bool:
		return String(strconv.FormatBool(t))
	case int:
		return String(strconv.FormatInt(int64(t), 10))
	case int32:
		return String(strconv.FormatInt(int64(t), 10))
	case int64:
		return String(strconv.FormatInt(t, 10))
	case float32:
		return String(strconv.FormatFloat(float64(t), 'g', -1, 32))
	case float64:
		return String(strconv.FormatFloat(t, 'g', -1, 64))
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// Generator derives fixed-width deterministic surrogate keys from ordered
// natural-key tuples. It is pure: equal tuples always hash to equal keys.
//
// Fields are length-prefixed before concatenation, so ("ab","c") and
// ("a","bc") cannot collide through boundary shifting.
type Generator struct {
	nullToken string
}

func NewGenerator() *Generator {
	return &Generator{nullToken: NullToken}
}

// Key returns the hex-encoded SHA-256 digest of the encoded tuple, 64
// characters wide.
func (g *Generator) Key(values ...Value) string {
	h := sha256.New()
	for _, v := range values {
		raw := v.raw
		if v.IsNull() {
			raw = g.nullToken
		}
		_, _ = h.Write([]byte(strconv.Itoa(len(raw))))
		_, _ = h.Write([]byte{':'})
		_, _ = h.Write([]byte(raw))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// KeyFromStrings is a convenience wrapper for callers that already hold
// non-null string fields.
func (g *Generator) KeyFromStrings(values ...string) string {
	converted := make([]Value, len(values))
	for i, v := range values {
		converted[i] = String(v)
	}
	return g.Key(converted...)
}
