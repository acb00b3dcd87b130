package hddo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Transport is the network-facing surface of a ledger as seen by a record
// owner. *Ledger implements it in-process; HTTPTransport, ProtoHTTPTransport
// and GRPCTransport reach a remote ledger. Errors unwrap to the package
// sentinels whatever the implementation.
type Transport interface {
	// Reserve claims a commitment hash and returns a reservation token.
	Reserve(ctx context.Context, commitment string) (string, error)
	// Accept stores a sendable record against a reservation token and
	// returns its disclosure hash.
	Accept(ctx context.Context, rec SendableRecord, token string) (string, error)
	// Delete removes a stored record given its sendable form and salt.
	Delete(ctx context.Context, rec SendableRecord, salt string) error
	// Broadcast returns the capability script stored with a record.
	Broadcast(ctx context.Context, commitment string) (Script, error)
}

// Challenge fetches the capability script of commitment through t and
// evaluates it with sigKey.
func Challenge(ctx context.Context, t Transport, commitment string, sigKey int64) (bool, error) {
	s, err := t.Broadcast(ctx, commitment)
	if err != nil {
		return false, err
	}
	return s.Evaluate(sigKey)
}

// HTTP API paths served by Server.
const (
	pathReservations = "/api/v1/reservations"
	pathRecords      = "/api/v1/records"
	pathDelete       = "/api/v1/records/delete"
	pathDisclosures  = "/api/v1/disclosures"
	pathAdminReset   = "/api/v1/admin/reset"
	pathAdminStats   = "/api/v1/admin/stats"
	pathAdminAudit   = "/api/v1/admin/audit"
)

type reserveRequest struct {
	CommitmentHash string `json:"commitment_hash"`
}

type reserveResponse struct {
	Token string `json:"token"`
}

type acceptRequest struct {
	Record SendableRecord `json:"record"`
	Token  string         `json:"token"`
}

type acceptResponse struct {
	DisclosureHash string `json:"disclosure_hash"`
}

type deleteRequest struct {
	Record SendableRecord `json:"record"`
	Salt   string         `json:"salt"`
}

type scriptResponse struct {
	Script Script `json:"script"`
}

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// HTTPTransport implements Transport against a ledger Server using JSON.
type HTTPTransport struct {
	BaseURL string       // Base URL of the ledger (e.g., "https://ledger.example.com")
	Client  *http.Client // HTTP client (can customize timeouts, TLS, etc.)
}

// NewHTTPTransport creates a JSON transport for the ledger at baseURL.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{},
	}
}

// Reserve implements Transport.
func (t *HTTPTransport) Reserve(ctx context.Context, commitment string) (string, error) {
	var out reserveResponse
	if err := t.do(ctx, http.MethodPost, pathReservations, reserveRequest{CommitmentHash: commitment}, &out); err != nil {
		return "", fmt.Errorf("reserve: %w", err)
	}
	return out.Token, nil
}

// Accept implements Transport.
func (t *HTTPTransport) Accept(ctx context.Context, rec SendableRecord, token string) (string, error) {
	var out acceptResponse
	if err := t.do(ctx, http.MethodPost, pathRecords, acceptRequest{Record: rec, Token: token}, &out); err != nil {
		return "", fmt.Errorf("accept: %w", err)
	}
	return out.DisclosureHash, nil
}

// Delete implements Transport.
func (t *HTTPTransport) Delete(ctx context.Context, rec SendableRecord, salt string) error {
	if err := t.do(ctx, http.MethodPost, pathDelete, deleteRequest{Record: rec, Salt: salt}, nil); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// Broadcast implements Transport.
func (t *HTTPTransport) Broadcast(ctx context.Context, commitment string) (Script, error) {
	var out scriptResponse
	if err := t.do(ctx, http.MethodGet, scriptPath(commitment), nil, &out); err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}
	return out.Script, nil
}

// Lookup fetches the record published under a disclosure hash.
func (t *HTTPTransport) Lookup(ctx context.Context, disclosure string) (SendableRecord, error) {
	var out SendableRecord
	if err := t.do(ctx, http.MethodGet, pathDisclosures+"/"+url.PathEscape(disclosure), nil, &out); err != nil {
		return SendableRecord{}, fmt.Errorf("lookup: %w", err)
	}
	return out, nil
}

func scriptPath(commitment string) string {
	return pathRecords + "/" + url.PathEscape(commitment) + "/script"
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("Accept", contentTypeJSON)
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
		var er errorResponse
		if json.Unmarshal(data, &er) != nil || er.Code == "" {
			er = errorResponse{Code: codeForStatus(resp.StatusCode), Message: strings.TrimSpace(string(data))}
		}
		return errorFromCode(er.Code, er.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
