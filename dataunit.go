package hddo

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// LabelVersion0 is the only label schema version currently accepted.
const LabelVersion0 = 0

// LabelValidator reports whether label is acceptable under the given label
// schema version. The taxonomy rules are deliberately kept out of this
// package; callers may plug their own validator.
type LabelValidator func(label string, version int) bool

// DefaultLabelValidator accepts version 0 labels made of two or three
// non-empty dot-separated segments, e.g. "thermometer.body_temperature".
func DefaultLabelValidator(label string, version int) bool {
	if version != LabelVersion0 {
		return false
	}
	parts := strings.Split(label, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

// DataUnit is an immutable labelled value. The value is one of nil, bool,
// int64, float64, string, []byte or *DataUnit.
type DataUnit struct {
	label     string
	value     any
	timestamp int64 // unix seconds
	version   int
}

// DataUnitOption customises NewDataUnit and ParseDataUnit.
type DataUnitOption func(*dataUnitOptions)

type dataUnitOptions struct {
	timestamp int64
	version   int
	validator LabelValidator
	now       func() time.Time
	skipClock bool
}

// WithTimestamp sets the unit timestamp in unix seconds. Zero means "now".
func WithTimestamp(ts int64) DataUnitOption {
	return func(o *dataUnitOptions) { o.timestamp = ts }
}

// WithLabelVersion sets the label schema version.
func WithLabelVersion(v int) DataUnitOption {
	return func(o *dataUnitOptions) { o.version = v }
}

// WithLabelValidator replaces DefaultLabelValidator.
func WithLabelValidator(v LabelValidator) DataUnitOption {
	return func(o *dataUnitOptions) { o.validator = v }
}

// WithClock replaces time.Now for defaulting and validating timestamps.
func WithClock(now func() time.Time) DataUnitOption {
	return func(o *dataUnitOptions) { o.now = now }
}

// withoutClockCheck disables the "not in the future" check. Stores use it
// when decoding data they validated on the way in.
func withoutClockCheck() DataUnitOption {
	return func(o *dataUnitOptions) { o.skipClock = true }
}

func newDataUnitOptions(opts []DataUnitOption) *dataUnitOptions {
	o := &dataUnitOptions{
		version:   LabelVersion0,
		validator: DefaultLabelValidator,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.validator == nil {
		o.validator = DefaultLabelValidator
	}
	return o
}

// NewDataUnit builds a DataUnit. Integer kinds are normalised to int64 and
// float32 to float64. The timestamp defaults to the current time; negative
// or future timestamps are rejected so that every unit can be reconstructed
// from its serialized form.
func NewDataUnit(label string, value any, opts ...DataUnitOption) (*DataUnit, error) {
	o := newDataUnitOptions(opts)
	return o.build(label, value, o.timestamp, o.version)
}

func (o *dataUnitOptions) build(label string, value any, ts int64, version int) (*DataUnit, error) {
	if err := checkText("label", label); err != nil {
		return nil, err
	}
	if !o.validator(label, version) {
		return nil, initErrorf("label %q does not pass validation for label version %d", label, version)
	}
	if ts == 0 {
		ts = o.now().Unix()
	}
	if ts < 0 {
		return nil, initErrorf("negative timestamp %d", ts)
	}
	if !o.skipClock && ts > o.now().Unix() {
		return nil, initErrorf("timestamp %d is in the future", ts)
	}
	v, err := normalizeValue(value)
	if err != nil {
		return nil, err
	}
	return &DataUnit{label: label, value: v, timestamp: ts, version: version}, nil
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil, bool, int64:
		return v, nil
	case string:
		if err := checkText("string value", v); err != nil {
			return nil, err
		}
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint:
		return normalizeUint(uint64(v))
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return normalizeUint(v)
	case float32:
		return normalizeFloat(float64(v))
	case float64:
		return normalizeFloat(v)
	case []byte:
		return bytes.Clone(v), nil
	case *DataUnit:
		if v == nil {
			return nil, initErrorf("nil nested data unit")
		}
		return v, nil
	case DataUnit:
		nested := v
		return &nested, nil
	default:
		return nil, initErrorf("unsupported value type %T", value)
	}
}

func normalizeUint(v uint64) (any, error) {
	if v > math.MaxInt64 {
		return nil, initErrorf("integer value %d overflows int64", v)
	}
	return int64(v), nil
}

func normalizeFloat(v float64) (any, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, initErrorf("non-finite float value %v", v)
	}
	return v, nil
}

// Label returns the taxonomy label.
func (d *DataUnit) Label() string { return d.label }

// Value returns the unit value. Byte slices are returned as copies.
func (d *DataUnit) Value() any {
	if b, ok := d.value.([]byte); ok {
		return bytes.Clone(b)
	}
	return d.value
}

// Timestamp returns the unit timestamp in unix seconds.
func (d *DataUnit) Timestamp() int64 { return d.timestamp }

// LabelVersion returns the label schema version.
func (d *DataUnit) LabelVersion() int { return d.version }

// Equal reports structural identity: same label, timestamp, version and an
// equal value, comparing nested units recursively. Floats compare bitwise.
func (d *DataUnit) Equal(o *DataUnit) bool {
	if d == nil || o == nil {
		return d == o
	}
	if d.label != o.label || d.timestamp != o.timestamp || d.version != o.version {
		return false
	}
	return valueEqual(d.value, o.value)
}

func valueEqual(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case float64:
		// Bitwise, so that 0.0 and -0.0 stay distinct like their dumps.
		bv, ok := b.(float64)
		return ok && math.Float64bits(av) == math.Float64bits(bv)
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case *DataUnit:
		bv, ok := b.(*DataUnit)
		return ok && av.Equal(bv)
	default:
		return a == b
	}
}

// Key returns a stable structural hash of the unit, suitable as a map key.
// Two units have the same Key exactly when Equal reports true.
func (d *DataUnit) Key() string {
	var buf bytes.Buffer
	d.writeJSON(&buf)
	return Digest(buf.Bytes())
}

// dumpHeader keeps the spelling found in deployed hash pre-images.
const (
	dumpHeader     = "RawData obect version %d"
	dumpTimeLayout = "01/02/2006 15:04:05"
)

// String renders the human-readable dump that forms part of the record
// canonical content. Times are rendered in UTC.
func (d *DataUnit) String() string {
	return fmt.Sprintf(dumpHeader+"\n- %5s : %s\n- %5s : %s\n- %5s : %s",
		d.version,
		"Time", time.Unix(d.timestamp, 0).UTC().Format(dumpTimeLayout),
		"Label", d.label,
		"Value", formatValue(d.value))
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "None"
	case bool:
		if v {
			return "True"
		}
		return "False"
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return formatFloat(v)
	case string:
		return v
	case []byte:
		return formatBytes(v)
	case *DataUnit:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// formatFloat renders the shortest round-trip representation, positional for
// decimal exponents in [-4, 16) and scientific otherwise. Integral values keep
// a trailing ".0" so floats never read back as integers.
func formatFloat(f float64) string {
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	exp := 0
	if i := strings.IndexByte(sci, 'e'); i >= 0 {
		exp, _ = strconv.Atoi(sci[i+1:])
	}
	if f != 0 && (exp < -4 || exp >= 16) {
		return sci
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}

// formatBytes renders a bytes literal such as b'ab\x00'.
func formatBytes(b []byte) string {
	quote := byte('\'')
	if bytes.IndexByte(b, '\'') >= 0 && bytes.IndexByte(b, '"') < 0 {
		quote = '"'
	}
	var sb strings.Builder
	sb.WriteByte('b')
	sb.WriteByte(quote)
	for _, c := range b {
		switch {
		case c == quote || c == '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case c == '\t':
			sb.WriteString(`\t`)
		case c == '\n':
			sb.WriteString(`\n`)
		case c == '\r':
			sb.WriteString(`\r`)
		case c < 0x20 || c >= 0x7f:
			fmt.Fprintf(&sb, `\x%02x`, c)
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteByte(quote)
	return sb.String()
}
