package hddo

import (
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	contentTypeJSON     = "application/json"
	contentTypeProtobuf = "application/x-protobuf"
	maxBodySize         = 4 << 20
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// AdminToken guards the admin routes as a bearer token. Empty disables
	// them.
	AdminToken string
	// Logger receives request logs. Nil discards them.
	Logger *slog.Logger
	// TLS is cloned and used by ListenAndServeTLS. Nil means defaults.
	TLS *tls.Config
}

// Server exposes a Ledger over HTTP. Requests and responses are JSON unless
// the request is sent as application/x-protobuf (or asks for it in Accept),
// in which case well-known protobuf types are used.
type Server struct {
	ledger     *Ledger
	adminToken string
	log        *slog.Logger
	tlsConfig  *tls.Config
	isReady    atomic.Bool
	router     chi.Router
}

// NewServer creates an HTTP front end for ledger. The server starts ready.
func NewServer(ledger *Ledger, cfg ServerConfig) *Server {
	s := &Server{
		ledger:     ledger,
		adminToken: cfg.AdminToken,
		log:        cfg.Logger,
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.TLS != nil {
		s.tlsConfig = cfg.TLS.Clone()
	}
	s.isReady.Store(true)
	s.router = s.createRouter()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.router }

// SetReady flips the readiness reported by /readyz.
func (s *Server) SetReady(ready bool) { s.isReady.Store(ready) }

func (s *Server) createRouter() chi.Router {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.Get("/livez", s.handleLivenessCheck)
	mux.Get("/readyz", s.handleReadinessCheck)

	mux.Route("/api/v1", func(r chi.Router) {
		r.Use(s.httpLogger)
		r.Post("/reservations", s.HandleReserve)
		r.Post("/records", s.HandleAccept)
		r.Post("/records/delete", s.HandleDelete)
		r.Get("/records/{commitment}/script", s.HandleBroadcast)
		r.Get("/disclosures/{disclosure}", s.HandleLookup)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/admin/reset", s.HandleReset)
			r.Get("/admin/stats", s.HandleStats)
			r.Get("/admin/audit", s.HandleAudit)
		})
	})
	return mux
}

// httpLogger logs one line per API request. Bodies are never logged since
// they may carry salts and tokens.
func (s *Server) httpLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
			"remote", r.RemoteAddr,
		)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.adminToken == "" || !ok ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			s.writeError(w, r, fmt.Errorf("%w: admin token required", ErrPermission))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isProtobuf checks if the request content type is protobuf.
func isProtobuf(r *http.Request) bool {
	contentType := r.Header.Get("Content-Type")
	return strings.HasPrefix(contentType, "application/x-protobuf") ||
		strings.HasPrefix(contentType, "application/protobuf")
}

// wantsProtobuf reports whether the response should be protobuf.
func wantsProtobuf(r *http.Request) bool {
	if isProtobuf(r) {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/x-protobuf") ||
		strings.Contains(accept, "application/protobuf")
}

// statusForCode maps an error kind to an HTTP status.
func statusForCode(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodePermission, CodeProofMismatch:
		return http.StatusForbidden
	case CodeReservationConflict:
		return http.StatusConflict
	case CodeInvalidReservation:
		return http.StatusPreconditionFailed
	case CodeInitialization, CodeScriptValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// codeForStatus is the fallback used by clients when an error body cannot
// be decoded.
func codeForStatus(status int) ErrorCode {
	switch status {
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusForbidden, http.StatusUnauthorized:
		return CodePermission
	case http.StatusConflict:
		return CodeReservationConflict
	case http.StatusPreconditionFailed:
		return CodeInvalidReservation
	case http.StatusBadRequest:
		return CodeInitialization
	default:
		return CodeInternal
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := CodeOf(err)
	status := statusForCode(code)
	msg := err.Error()
	if code == CodeInternal {
		s.log.Error("request failed", "path", r.URL.Path, "err", err,
			"request_id", middleware.GetReqID(r.Context()))
		msg = "internal error"
	}
	if wantsProtobuf(r) {
		s.writeProto(w, status, toProtoError(code, msg))
		return
	}
	s.writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", "err", err)
	}
}

func (s *Server) writeProto(w http.ResponseWriter, status int, m proto.Message) {
	data, err := proto.Marshal(m)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeProtobuf)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, initErrorf("read body: %v", err)
	}
	if len(body) > maxBodySize {
		return nil, initErrorf("request body exceeds %d bytes", maxBodySize)
	}
	return body, nil
}

func decodeJSON(r *http.Request, v any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		// DataUnit decoding errors already carry their kind.
		if errors.Is(err, ErrInitialization) {
			return err
		}
		return initErrorf("decode json: %v", err)
	}
	return nil
}

func decodeProto(r *http.Request, m proto.Message) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if err := proto.Unmarshal(body, m); err != nil {
		return initErrorf("unmarshal protobuf: %v", err)
	}
	return nil
}

// decodeRecordRequest reads a record plus one secret field, e.g. the
// reservation token or the salt.
func decodeRecordRequest(r *http.Request, key string) (SendableRecord, string, error) {
	var m structpb.Struct
	if err := decodeProto(r, &m); err != nil {
		return SendableRecord{}, "", err
	}
	rec, err := FromProtoSendable(m.GetFields()["record"].GetStructValue())
	if err != nil {
		return SendableRecord{}, "", err
	}
	return rec, m.GetFields()[key].GetStringValue(), nil
}

// HandleReserve handles POST /api/v1/reservations.
func (s *Server) HandleReserve(w http.ResponseWriter, r *http.Request) {
	var commitment string
	if isProtobuf(r) {
		var m wrapperspb.StringValue
		if err := decodeProto(r, &m); err != nil {
			s.writeError(w, r, err)
			return
		}
		commitment = m.GetValue()
	} else {
		var req reserveRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		commitment = req.CommitmentHash
	}

	token, err := s.ledger.Reserve(r.Context(), commitment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if wantsProtobuf(r) {
		s.writeProto(w, http.StatusCreated, wrapperspb.String(token))
		return
	}
	s.writeJSON(w, http.StatusCreated, reserveResponse{Token: token})
}

// HandleAccept handles POST /api/v1/records.
func (s *Server) HandleAccept(w http.ResponseWriter, r *http.Request) {
	var (
		rec   SendableRecord
		token string
		err   error
	)
	if isProtobuf(r) {
		rec, token, err = decodeRecordRequest(r, "token")
	} else {
		var req acceptRequest
		err = decodeJSON(r, &req)
		rec, token = req.Record, req.Token
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	disclosure, err := s.ledger.Accept(r.Context(), rec, token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if wantsProtobuf(r) {
		s.writeProto(w, http.StatusCreated, wrapperspb.String(disclosure))
		return
	}
	s.writeJSON(w, http.StatusCreated, acceptResponse{DisclosureHash: disclosure})
}

// HandleDelete handles POST /api/v1/records/delete.
func (s *Server) HandleDelete(w http.ResponseWriter, r *http.Request) {
	var (
		rec  SendableRecord
		salt string
		err  error
	)
	if isProtobuf(r) {
		rec, salt, err = decodeRecordRequest(r, "salt")
	} else {
		var req deleteRequest
		err = decodeJSON(r, &req)
		rec, salt = req.Record, req.Salt
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.ledger.Delete(r.Context(), rec, salt); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleBroadcast handles GET /api/v1/records/{commitment}/script.
func (s *Server) HandleBroadcast(w http.ResponseWriter, r *http.Request) {
	script, err := s.ledger.Broadcast(r.Context(), chi.URLParam(r, "commitment"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if wantsProtobuf(r) {
		s.writeProto(w, http.StatusOK, ToProtoScript(script))
		return
	}
	s.writeJSON(w, http.StatusOK, scriptResponse{Script: script})
}

// HandleLookup handles GET /api/v1/disclosures/{disclosure}.
func (s *Server) HandleLookup(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ledger.Lookup(r.Context(), chi.URLParam(r, "disclosure"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if wantsProtobuf(r) {
		m, err := ToProtoSendable(rec)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeProto(w, http.StatusOK, m)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// HandleReset handles POST /api/v1/admin/reset.
func (s *Server) HandleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Reset(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Warn("ledger reset by admin", "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

// HandleStats handles GET /api/v1/admin/stats.
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.ledger.Stats()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// HandleAudit handles GET /api/v1/admin/audit.
func (s *Server) HandleAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.Audit(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLivenessCheck(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReadinessCheck(w http.ResponseWriter, _ *http.Request) {
	if !s.isReady.Load() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) tlsConfigWithDefaults() *tls.Config {
	if s.tlsConfig == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg := s.tlsConfig.Clone()
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// HTTPServer returns an http.Server for addr serving this handler, with the
// TLS configuration applied.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		TLSConfig:         s.tlsConfigWithDefaults(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ListenAndServeTLS starts the HTTPS server.
func (s *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	return s.HTTPServer(addr).ListenAndServeTLS(certFile, keyFile)
}
