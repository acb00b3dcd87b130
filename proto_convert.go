package hddo

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"
)

// Protobuf messages are built from well-known types. A sendable record is a
// google.protobuf.Struct whose "data" field holds the DataUnit JSON, so value
// kinds survive the trip.

// ToProtoSendable converts a SendableRecord to a protobuf Struct.
func ToProtoSendable(r SendableRecord) (*structpb.Struct, error) {
	if r.Data == nil {
		return nil, initErrorf("record carries no data unit")
	}
	data, err := r.Data.MarshalJSON()
	if err != nil {
		return nil, err
	}
	fields := map[string]any{
		"data":                string(data),
		"schema_version":      r.SchemaVersion,
		"compatibility_limit": r.CompatibilityLimit,
	}
	if len(r.Script) > 0 {
		tokens := make([]any, len(r.Script))
		for i, tok := range r.Script {
			tokens[i] = tok
		}
		fields["script"] = tokens
	}
	if len(r.IdentityInfo) > 0 {
		info := make([]any, len(r.IdentityInfo))
		for i, e := range r.IdentityInfo {
			info[i] = []any{e.Key, e.Value}
		}
		fields["identity_info"] = info
	}
	for k, v := range map[string]string{
		"series_signature":        r.SeriesSignature,
		"personal_health_address": r.PersonalHealthAddress,
		"message":                 r.Message,
		"commitment_hash":         r.CommitmentHash,
		"disclosure_hash":         r.DisclosureHash,
	} {
		if v != "" {
			fields[k] = v
		}
	}
	return structpb.NewStruct(fields)
}

// FromProtoSendable converts a protobuf Struct back to a SendableRecord.
func FromProtoSendable(p *structpb.Struct) (SendableRecord, error) {
	var r SendableRecord
	if p == nil {
		return r, initErrorf("nil record message")
	}
	f := p.GetFields()

	data, err := protoString(f, "data")
	if err != nil {
		return r, err
	}
	if r.Data, err = ParseDataUnit([]byte(data)); err != nil {
		return r, err
	}
	if r.SchemaVersion, err = protoInt(f, "schema_version"); err != nil {
		return r, err
	}
	if r.CompatibilityLimit, err = protoInt(f, "compatibility_limit"); err != nil {
		return r, err
	}
	for _, s := range []struct {
		key string
		dst *string
	}{
		{"series_signature", &r.SeriesSignature},
		{"personal_health_address", &r.PersonalHealthAddress},
		{"message", &r.Message},
		{"commitment_hash", &r.CommitmentHash},
		{"disclosure_hash", &r.DisclosureHash},
	} {
		if _, ok := f[s.key]; !ok {
			continue
		}
		if *s.dst, err = protoString(f, s.key); err != nil {
			return r, err
		}
	}
	if v, ok := f["script"]; ok {
		if r.Script, err = FromProtoScript(v.GetListValue()); err != nil {
			return r, err
		}
	}
	if v, ok := f["identity_info"]; ok {
		for _, item := range v.GetListValue().GetValues() {
			pair := item.GetListValue().GetValues()
			if len(pair) != 2 {
				return r, initErrorf("identity_info entries must be [key, value] pairs")
			}
			k, kok := pair[0].GetKind().(*structpb.Value_StringValue)
			val, vok := pair[1].GetKind().(*structpb.Value_StringValue)
			if !kok || !vok {
				return r, initErrorf("identity_info entries must be strings")
			}
			r.IdentityInfo = append(r.IdentityInfo, InfoEntry{Key: k.StringValue, Value: val.StringValue})
		}
	}
	return r, nil
}

// ToProtoScript converts a Script to a protobuf ListValue of strings.
func ToProtoScript(s Script) *structpb.ListValue {
	values := make([]*structpb.Value, len(s))
	for i, tok := range s {
		values[i] = structpb.NewStringValue(tok)
	}
	return &structpb.ListValue{Values: values}
}

// FromProtoScript converts a protobuf ListValue of strings to a Script.
func FromProtoScript(l *structpb.ListValue) (Script, error) {
	if l == nil {
		return nil, nil
	}
	var s Script
	for i, v := range l.GetValues() {
		tok, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("%w: script token %d is not a string", ErrScriptValidation, i)
		}
		s = append(s, tok.StringValue)
	}
	return s, nil
}

func protoString(f map[string]*structpb.Value, key string) (string, error) {
	v, ok := f[key].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", initErrorf("field %q must be a string", key)
	}
	return v.StringValue, nil
}

func protoInt(f map[string]*structpb.Value, key string) (int, error) {
	v, ok := f[key].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, initErrorf("field %q must be a number", key)
	}
	n := v.NumberValue
	if n != math.Trunc(n) || n > math.MaxInt32 || n < math.MinInt32 {
		return 0, initErrorf("field %q must be an integer", key)
	}
	return int(n), nil
}

// toProtoError builds the protobuf error body.
func toProtoError(code ErrorCode, msg string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"code":    structpb.NewStringValue(string(code)),
		"message": structpb.NewStringValue(msg),
	}}
}

func fromProtoError(p *structpb.Struct) (ErrorCode, string) {
	f := p.GetFields()
	return ErrorCode(f["code"].GetStringValue()), f["message"].GetStringValue()
}
