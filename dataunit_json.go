package hddo

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
)

const (
	objectTypeDataUnit = "RawData"
	objectTypeBytes    = "bytes"
)

// supportedLabelVersions lists the label versions accepted on reconstruction.
var supportedLabelVersions = map[int]bool{LabelVersion0: true}

// MarshalJSON encodes the unit as
//
//	{"object_type": "RawData", "version": 0, "timestamp": T, "label": "a.b", "value": V}
//
// Nested units use the same object; byte values are encoded as
// {"object_type": "bytes", "value": "<base64>"}. Floats always carry a
// decimal point or an exponent.
func (d *DataUnit) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	d.writeJSON(&buf)
	return buf.Bytes(), nil
}

func (d *DataUnit) writeJSON(buf *bytes.Buffer) {
	buf.WriteString(`{"object_type": "` + objectTypeDataUnit + `", "version": `)
	buf.WriteString(strconv.Itoa(d.version))
	buf.WriteString(`, "timestamp": `)
	buf.WriteString(strconv.FormatInt(d.timestamp, 10))
	buf.WriteString(`, "label": `)
	writeJSONString(buf, d.label)
	buf.WriteString(`, "value": `)
	writeJSONValue(buf, d.value)
	buf.WriteByte('}')
}

func writeJSONValue(buf *bytes.Buffer, v any) {
	switch v := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(v))
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
	case float64:
		buf.WriteString(formatFloat(v))
	case string:
		writeJSONString(buf, v)
	case []byte:
		buf.WriteString(`{"object_type": "` + objectTypeBytes + `", "value": "`)
		buf.WriteString(base64.StdEncoding.EncodeToString(v))
		buf.WriteString(`"}`)
	case *DataUnit:
		v.writeJSON(buf)
	}
}

func writeJSONString(buf *bytes.Buffer, s string) {
	// json.Marshal cannot fail for a string.
	b, _ := json.Marshal(s)
	buf.Write(b)
}

// UnmarshalJSON decodes a unit with the default options. See ParseDataUnit.
func (d *DataUnit) UnmarshalJSON(data []byte) error {
	u, err := ParseDataUnit(data)
	if err != nil {
		return err
	}
	*d = *u
	return nil
}

// ParseDataUnit reconstructs a DataUnit from its JSON form. The object must
// have exactly the five expected keys, a supported label version, a valid
// label and a timestamp that is neither negative nor in the future. Nested
// units are validated the same way.
func ParseDataUnit(data []byte, opts ...DataUnitOption) (*DataUnit, error) {
	o := newDataUnitOptions(opts)
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, initErrorf("not a JSON object: %v", err)
	}
	return o.decodeUnit(raw)
}

func (o *dataUnitOptions) decodeUnit(raw map[string]json.RawMessage) (*DataUnit, error) {
	var kind string
	if err := json.Unmarshal(raw["object_type"], &kind); err != nil || kind != objectTypeDataUnit {
		return nil, initErrorf("JSON does not contain a %s object", objectTypeDataUnit)
	}
	if len(raw) != 5 {
		return nil, initErrorf("%s object has %d keys, want 5", objectTypeDataUnit, len(raw))
	}
	for _, key := range []string{"version", "timestamp", "label", "value"} {
		if _, ok := raw[key]; !ok {
			return nil, initErrorf("%s object is missing key %q", objectTypeDataUnit, key)
		}
	}

	version, err := decodeInt(raw["version"])
	if err != nil || !supportedLabelVersions[int(version)] {
		return nil, initErrorf("unsupported label version %s", raw["version"])
	}
	ts, err := decodeInt(raw["timestamp"])
	if err != nil {
		return nil, initErrorf("invalid timestamp %s", raw["timestamp"])
	}
	var label string
	if err := json.Unmarshal(raw["label"], &label); err != nil {
		return nil, initErrorf("invalid label: %v", err)
	}
	value, err := o.decodeValue(raw["value"])
	if err != nil {
		return nil, err
	}
	return o.build(label, value, ts, int(version))
}

func (o *dataUnitOptions) decodeValue(msg json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) == 0 {
		return nil, initErrorf("empty value")
	}
	switch trimmed[0] {
	case 'n':
		return nil, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return nil, initErrorf("invalid boolean value: %v", err)
		}
		return b, nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, initErrorf("invalid string value: %v", err)
		}
		return s, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, initErrorf("invalid object value: %v", err)
		}
		var kind string
		_ = json.Unmarshal(obj["object_type"], &kind)
		switch kind {
		case objectTypeDataUnit:
			return o.decodeUnit(obj)
		case objectTypeBytes:
			var enc string
			if len(obj) != 2 || json.Unmarshal(obj["value"], &enc) != nil {
				return nil, initErrorf("malformed bytes value")
			}
			b, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				return nil, initErrorf("malformed bytes value: %v", err)
			}
			return b, nil
		default:
			return nil, initErrorf("value contains unsupported object %q", kind)
		}
	case '[':
		return nil, initErrorf("array values are not supported")
	default:
		s := string(trimmed)
		if strings.ContainsAny(s, ".eE") {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, initErrorf("invalid number %s", s)
			}
			return f, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, initErrorf("invalid integer %s", s)
		}
		return n, nil
	}
}

// decodeInt accepts only integral JSON numbers.
func decodeInt(msg json.RawMessage) (int64, error) {
	return strconv.ParseInt(string(bytes.TrimSpace(msg)), 10, 64)
}
