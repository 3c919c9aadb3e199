// Package httpapi wires the KeyPackageRegistry, UserDirectory, and
// EnvelopeBroker into the §6.1 HTTP API and §6.2 websocket stream, in the
// teacher's relay-handler style: a small middleware chain
// (withRecover/withReqID/withLogging) composed with `chain`, and
// writeJSON/writeErr response helpers.
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"mlschat/internal/server/broker"
	"mlschat/internal/server/directory"
	"mlschat/internal/server/registry"
)

// Server bundles the three collaborators and the mux that routes §6.1/§6.2.
type Server struct {
	registry  *registry.Registry
	directory *directory.Directory
	broker    *broker.Broker
	log       *slog.Logger

	enableLogging bool
	maxBody       int64
	upgrader      websocket.Upgrader
}

// Config controls logging and the incoming-message size caps enforced at
// the HTTP boundary.
type Config struct {
	EnableLogging  bool
	MaxRequestBody int64
}

// DefaultConfig mirrors the teacher relay's 1 MiB request body cap.
func DefaultConfig() Config {
	return Config{EnableLogging: true, MaxRequestBody: 1 << 20}
}

// New builds a Server and its routed *http.ServeMux.
func New(reg *registry.Registry, dir *directory.Directory, brk *broker.Broker, log *slog.Logger, cfg Config) (*Server, *http.ServeMux) {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		registry:      reg,
		directory:     dir,
		broker:        brk,
		log:           log,
		enableLogging: cfg.EnableLogging,
		upgrader:      websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}

	maxBody := cfg.MaxRequestBody
	if maxBody <= 0 {
		maxBody = DefaultConfig().MaxRequestBody
	}
	s.maxBody = maxBody

	mux := http.NewServeMux()
	mux.HandleFunc("POST /users", chain(s.handleRegisterUser, withRecover(s), withReqID, withLogging(s)))
	mux.HandleFunc("GET /users/{username}", chain(s.handleFetchUser, withRecover(s), withReqID, withLogging(s)))
	mux.HandleFunc("POST /keypackages/upload", chain(s.handleUpload, withRecover(s), withReqID, withLogging(s)))
	mux.HandleFunc("POST /keypackages/reserve", chain(s.handleReserve, withRecover(s), withReqID, withLogging(s)))
	mux.HandleFunc("POST /keypackages/spend", chain(s.handleSpend, withRecover(s), withReqID, withLogging(s)))
	mux.HandleFunc("GET /keypackages/status/{username}", chain(s.handleStatus, withRecover(s), withReqID, withLogging(s)))
	mux.HandleFunc("GET /stream", chain(s.handleStream, withRecover(s), withReqID))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return s, mux
}

type ctxKey string

const ctxKeyReqID ctxKey = "reqid"

// --- Middleware, grounded on the teacher's relay chain ---

func withRecover(s *Server) func(http.HandlerFunc) http.HandlerFunc {
	return func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					writeErr(w, http.StatusInternalServerError, "internal error")
					s.log.Error("panic", "err", rec)
				}
			}()
			h(w, r)
		}
	}
}

func withReqID(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = genReqID()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), ctxKeyReqID, id)
		h(w, r.WithContext(ctx))
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(p []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(p)
	lrw.bytes += n
	return n, err
}

func withLogging(s *Server) func(http.HandlerFunc) http.HandlerFunc {
	return func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if !s.enableLogging {
				h(w, r)
				return
			}
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			h(lrw, r)
			s.log.Info("access",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", clientIP(r),
				"status", lrw.status,
				"bytes", lrw.bytes,
				"dur", time.Since(start),
				"reqid", requestIDFromCtx(r.Context()),
			)
		}
	}
}

func chain(h http.HandlerFunc, mws ...func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		return xr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestIDFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyReqID).(string); ok {
		return v
	}
	return ""
}

func genReqID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "req-fallback"
	}
	return hex.EncodeToString(b[:])
}

func credentialHashOf(keyPackage []byte) []byte {
	sum := sha256.Sum256(keyPackage)
	return sum[:]
}
