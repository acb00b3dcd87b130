package hddo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ProtoHTTPTransport implements Transport using Protocol Buffers over HTTP/HTTPS.
// It talks to the same Server routes as HTTPTransport.
type ProtoHTTPTransport struct {
	BaseURL string       // Base URL of the ledger (e.g., "https://ledger.example.com")
	Client  *http.Client // HTTP client (can customize timeouts, TLS, etc.)
}

// NewProtoHTTPTransport creates a new Protocol Buffer HTTP transport.
func NewProtoHTTPTransport(baseURL string) *ProtoHTTPTransport {
	return &ProtoHTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{},
	}
}

// Reserve implements Transport.
func (t *ProtoHTTPTransport) Reserve(ctx context.Context, commitment string) (string, error) {
	var out wrapperspb.StringValue
	if err := t.do(ctx, http.MethodPost, pathReservations, wrapperspb.String(commitment), &out); err != nil {
		return "", fmt.Errorf("reserve: %w", err)
	}
	return out.GetValue(), nil
}

// Accept implements Transport.
func (t *ProtoHTTPTransport) Accept(ctx context.Context, rec SendableRecord, token string) (string, error) {
	msg, err := recordRequest(rec, "token", token)
	if err != nil {
		return "", fmt.Errorf("accept: %w", err)
	}
	var out wrapperspb.StringValue
	if err := t.do(ctx, http.MethodPost, pathRecords, msg, &out); err != nil {
		return "", fmt.Errorf("accept: %w", err)
	}
	return out.GetValue(), nil
}

// Delete implements Transport.
func (t *ProtoHTTPTransport) Delete(ctx context.Context, rec SendableRecord, salt string) error {
	msg, err := recordRequest(rec, "salt", salt)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if err := t.do(ctx, http.MethodPost, pathDelete, msg, nil); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// Broadcast implements Transport.
func (t *ProtoHTTPTransport) Broadcast(ctx context.Context, commitment string) (Script, error) {
	var out structpb.ListValue
	if err := t.do(ctx, http.MethodGet, scriptPath(commitment), nil, &out); err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}
	return FromProtoScript(&out)
}

// Lookup fetches the record published under a disclosure hash.
func (t *ProtoHTTPTransport) Lookup(ctx context.Context, disclosure string) (SendableRecord, error) {
	var out structpb.Struct
	if err := t.do(ctx, http.MethodGet, pathDisclosures+"/"+url.PathEscape(disclosure), nil, &out); err != nil {
		return SendableRecord{}, fmt.Errorf("lookup: %w", err)
	}
	return FromProtoSendable(&out)
}

// recordRequest wraps a record and one secret string field in a Struct.
func recordRequest(rec SendableRecord, key, value string) (*structpb.Struct, error) {
	pr, err := ToProtoSendable(rec)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"record": structpb.NewStructValue(pr),
		key:      structpb.NewStringValue(value),
	}}, nil
}

func (t *ProtoHTTPTransport) do(ctx context.Context, method, path string, in, out proto.Message) error {
	var body io.Reader
	if in != nil {
		data, err := proto.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentTypeProtobuf)
	req.Header.Set("Accept", contentTypeProtobuf)
	resp, err := t.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var pe structpb.Struct
		code, msg := ErrorCode(""), ""
		if proto.Unmarshal(data, &pe) == nil {
			code, msg = fromProtoError(&pe)
		}
		if code == "" {
			code, msg = codeForStatus(resp.StatusCode), strings.TrimSpace(string(data))
		}
		return errorFromCode(code, msg)
	}
	if out == nil {
		return nil
	}
	if err := proto.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
