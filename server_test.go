package hddo

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testAdminToken = "s3cret"

func newTestServer(t *testing.T) (*Ledger, *Server, *httptest.Server) {
	t.Helper()
	l, _ := newTestLedger(t)
	srv := NewServer(l, ServerConfig{AdminToken: testAdminToken})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return l, srv, ts
}

// httpTransports returns a JSON and a protobuf client for the same server.
func httpTransports(url string) map[string]interface {
	Transport
	Lookup(context.Context, string) (SendableRecord, error)
} {
	return map[string]interface {
		Transport
		Lookup(context.Context, string) (SendableRecord, error)
	}{
		"json":     NewHTTPTransport(url),
		"protobuf": NewProtoHTTPTransport(url),
	}
}

func TestServer_TransportFlow(t *testing.T) {
	_, _, ts := newTestServer(t)
	ctx := context.Background()

	for name, tr := range httpTransports(ts.URL) {
		t.Run(name, func(t *testing.T) {
			r := newTestRecord(t, WithSchemaVersion(1), WithCompatibilityLimit(3))
			require.NoError(t, r.AddScript(Script{"3", SigKeyPlaceholder, OpAdd, "10"}))
			require.NoError(t, r.AddSeriesSignature("series"))
			require.NoError(t, r.AddPersonalHealthAddress(ctx, StaticIdentity("pha")))
			require.NoError(t, r.AddInfo("k1", "v1"))
			require.NoError(t, r.AddInfo("k0", "v0"))
			require.NoError(t, r.AddMessage("via "+name))
			require.NoError(t, r.Close())
			require.NoError(t, r.Transmit(ctx, tr))
			require.True(t, isDigest(r.DisclosureHash()))

			script, err := tr.Broadcast(ctx, r.CommitmentHash())
			require.NoError(t, err)
			require.Equal(t, r.Script().String(), script.String())

			ok, err := Challenge(ctx, tr, r.CommitmentHash(), 7)
			require.NoError(t, err)
			require.True(t, ok)

			rec, err := tr.Lookup(ctx, r.DisclosureHash())
			require.NoError(t, err)
			require.Equal(t, r.Sendable().Canonical(), rec.Canonical())
			require.Equal(t, r.CommitmentHash(), rec.CommitmentHash)
			require.True(t, r.Data().Equal(rec.Data))

			require.NoError(t, r.Delete(ctx, tr))
			_, err = tr.Lookup(ctx, r.DisclosureHash())
			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, r.Delete(ctx, tr), ErrNotFound)
		})
	}
}

func TestServer_TransportErrors(t *testing.T) {
	l, _, ts := newTestServer(t)
	ctx := context.Background()

	for name, tr := range httpTransports(ts.URL) {
		t.Run(name, func(t *testing.T) {
			c := Digest([]byte("conflict " + name))
			_, err := tr.Reserve(ctx, c)
			require.NoError(t, err)
			_, err = tr.Reserve(ctx, c)
			require.ErrorIs(t, err, ErrReservationConflict)

			_, err = tr.Reserve(ctx, "bad")
			require.ErrorIs(t, err, ErrInitialization)

			d, err := NewDataUnit("a.b", 1, WithTimestamp(ts0))
			require.NoError(t, err)
			_, err = tr.Accept(ctx, SendableRecord{Data: d, CommitmentHash: c}, "wrong")
			require.ErrorIs(t, err, ErrInvalidReservation)

			_, err = tr.Broadcast(ctx, Digest([]byte("missing")))
			require.ErrorIs(t, err, ErrNotFound)

			r := transmittedRecord(t, l, nil)
			err = tr.Delete(ctx, r.Sendable(), "not the salt")
			require.ErrorIs(t, err, ErrProofMismatch)
			require.Contains(t, err.Error(), "salt")
		})
	}
}

func TestServer_StatusCodes(t *testing.T) {
	_, _, ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		ctype  string
		body   string
		want   int
		code   ErrorCode
	}{
		{"malformed json", http.MethodPost, pathReservations, contentTypeJSON, "{", http.StatusBadRequest, CodeInitialization},
		{"missing hash", http.MethodPost, pathReservations, contentTypeJSON, `{"x":1}`, http.StatusBadRequest, CodeInitialization},
		{"bad hash", http.MethodPost, pathReservations, contentTypeJSON, `{"commitment_hash":"x"}`, http.StatusBadRequest, CodeInitialization},
		{"bad protobuf", http.MethodPost, pathReservations, contentTypeProtobuf, "\xff\xff", http.StatusBadRequest, CodeInitialization},
		{"no data", http.MethodPost, pathRecords, contentTypeJSON, `{"record":{},"token":"t"}`, http.StatusBadRequest, CodeInitialization},
		{"missing script", http.MethodGet, scriptPath(Digest([]byte("x"))), "", "", http.StatusNotFound, CodeNotFound},
		{"missing disclosure", http.MethodGet, pathDisclosures + "/" + Digest([]byte("x")), "", "", http.StatusNotFound, CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)
			if tt.ctype != "" {
				req.Header.Set("Content-Type", tt.ctype)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tt.want, resp.StatusCode)

			if tt.ctype == contentTypeProtobuf {
				return
			}
			var er errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&er))
			require.Equal(t, tt.code, er.Code)
			require.NotEmpty(t, er.Message)
		})
	}
}

func TestServer_Admin(t *testing.T) {
	l, _, ts := newTestServer(t)
	transmittedRecord(t, l, nil)

	do := func(method, path, token string) *http.Response {
		req, err := http.NewRequest(method, ts.URL+path, nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	require.Equal(t, http.StatusForbidden, do(http.MethodGet, pathAdminStats, "").StatusCode)
	require.Equal(t, http.StatusForbidden, do(http.MethodPost, pathAdminReset, "wrong").StatusCode)

	resp := do(http.MethodGet, pathAdminStats, testAdminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Equal(t, Stats{Records: 1, Disclosures: 1}, st)

	require.Equal(t, http.StatusNoContent, do(http.MethodPost, pathAdminReset, testAdminToken).StatusCode)
	st, err := l.Stats()
	require.NoError(t, err)
	require.Equal(t, Stats{}, st)
}

func TestServer_AdminDisabledWithoutToken(t *testing.T) {
	l, _ := newTestLedger(t)
	ts := httptest.NewServer(NewServer(l, ServerConfig{}).Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+pathAdminReset, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer ")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServer_Health(t *testing.T) {
	_, srv, ts := newTestServer(t)

	get := func(path string) int {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode
	}
	require.Equal(t, http.StatusOK, get("/livez"))
	require.Equal(t, http.StatusOK, get("/readyz"))
	srv.SetReady(false)
	require.Equal(t, http.StatusServiceUnavailable, get("/readyz"))
	require.Equal(t, http.StatusOK, get("/livez"))
}

func TestServer_RecordJSON(t *testing.T) {
	l, _, ts := newTestServer(t)
	r := transmittedRecord(t, l, Script{"1", "1", "1"})

	resp, err := http.Get(ts.URL + pathDisclosures + "/" + r.DisclosureHash())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var raw map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	for _, key := range []string{"data", "script", "identity_info", "message", "commitment_hash", "disclosure_hash"} {
		require.Contains(t, raw, key)
	}
	require.NotContains(t, raw, "salt")
	require.NotContains(t, raw, "series_signature")
}

func TestCodeForStatus(t *testing.T) {
	for _, code := range []ErrorCode{
		CodeNotFound, CodePermission, CodeReservationConflict,
		CodeInvalidReservation, CodeInitialization, CodeInternal,
	} {
		require.Equal(t, code, codeForStatus(statusForCode(code)), code)
	}
}
