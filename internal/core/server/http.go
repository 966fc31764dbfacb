package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"

	"github.com/solatis/tollgate/internal/core/api"
	"github.com/solatis/tollgate/internal/core/auth"
	"github.com/solatis/tollgate/internal/core/config"
	"github.com/solatis/tollgate/internal/gate"
	"github.com/solatis/tollgate/internal/types"
)

// maxBodyBytes leaves room for the request envelope around a full context.
const maxBodyBytes = 2 * types.MaxContextSize

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

// HTTPServer manages the JSON transport lifecycle.
type HTTPServer struct {
	server *http.Server
	logger *slog.Logger
}

// NewHTTPServer creates the HTTP server with the same service and
// authenticator as the gRPC transport.
func NewHTTPServer(cfg *config.ServerConfig, service TollgateService, authenticator *auth.Authenticator, logger *slog.Logger) (*HTTPServer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cfg cannot be nil")
	}
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator cannot be nil")
	}
	if logger == nil {
		logger = slog.Default().With("component", "http")
	}
	return &HTTPServer{
		server: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.HTTPPort)),
			Handler:           NewRouter(service, authenticator, logger),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		},
		logger: logger,
	}, nil
}

// Start serves until Shutdown is called.
func (s *HTTPServer) Start(ctx context.Context) error {
	s.logger.Info("http server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type handler struct {
	service TollgateService
	logger  *slog.Logger
}

// NewRouter registers the /v1 routes. Everything except /healthz requires
// an API key.
func NewRouter(service TollgateService, authenticator *auth.Authenticator, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default().With("component", "http")
	}
	h := &handler{service: service, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(h.recoverMiddleware)
	r.Use(h.loggingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeSuccess(w, http.StatusOK, map[string]string{"state": "serving"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(authenticator.Middleware(func(w http.ResponseWriter, _ *http.Request, status int, err error) {
			writeError(w, status, statusCode(status), err.Error())
		}))
		r.Post("/execute/{entryPoint}", h.execute)
		r.Get("/executions/{executionID}", h.execution)
		r.Post("/acknowledgments", h.acknowledge)
		r.Post("/preferences", h.preference)
		r.Post("/gate", h.gate)
		r.Get("/orders/{orderID}/acknowledgments", h.orderAcknowledgments)
	})

	return r
}

func (h *handler) execute(w http.ResponseWriter, r *http.Request) {
	var req api.ExecuteRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.EntryPoint = chi.URLParam(r, "entryPoint")
	res, err := h.service.Execute(r.Context(), &req)
	h.respond(w, r, "execute", res, err)
}

func (h *handler) execution(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Execution(r.Context(), &api.ExecutionRequest{ExecutionID: chi.URLParam(r, "executionID")})
	h.respond(w, r, "get_execution", res, err)
}

func (h *handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	var req api.AcknowledgeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = readIP(r)
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}
	res, err := h.service.Acknowledge(r.Context(), &req)
	h.respond(w, r, "acknowledge", res, err)
}

func (h *handler) preference(w http.ResponseWriter, r *http.Request) {
	var req api.PreferenceRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = readIP(r)
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}
	res, err := h.service.Preference(r.Context(), &req)
	h.respond(w, r, "preference", res, err)
}

func (h *handler) gate(w http.ResponseWriter, r *http.Request) {
	var draft gate.OrderDraft
	if !h.decode(w, r, &draft) {
		return
	}
	res, err := h.service.Gate(r.Context(), &draft)
	h.respond(w, r, "gate", res, err)
}

func (h *handler) orderAcknowledgments(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.OrderAcknowledgments(r.Context(), &api.OrderRequest{OrderID: chi.URLParam(r, "orderID")})
	h.respond(w, r, "order_acknowledgments", res, err)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeBody(w, r, dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return false
	}
	return true
}

func (h *handler) respond(w http.ResponseWriter, r *http.Request, operation string, data any, err error) {
	if err == nil {
		writeSuccess(w, http.StatusOK, data)
		return
	}
	code := api.Code(err)
	msg := err.Error()
	if code == codes.Internal {
		h.logger.ErrorContext(r.Context(), "request failed",
			"operation", operation, "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeError(w, api.HTTPStatus(err), codeName(code), msg)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON value")
	}
	return nil
}

func readIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type apiError struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	writeJSON(w, statusCode, map[string]any{
		"status": "success",
		"data":   data,
	})
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, apiError{
		Status:  "error",
		Code:    code,
		Message: message,
	})
}

func codeName(c codes.Code) string {
	switch c {
	case codes.InvalidArgument:
		return "INVALID_ARGUMENT"
	case codes.NotFound:
		return "NOT_FOUND"
	case codes.DeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	case codes.Canceled:
		return "CANCELED"
	case codes.Unavailable:
		return "UNAVAILABLE"
	case codes.Unauthenticated:
		return "UNAUTHENTICATED"
	case codes.PermissionDenied:
		return "PERMISSION_DENIED"
	default:
		return "INTERNAL"
	}
}

// statusCode names an auth rejection by its HTTP status.
func statusCode(status int) string {
	switch status {
	case http.StatusForbidden:
		return codeName(codes.PermissionDenied)
	case http.StatusServiceUnavailable:
		return codeName(codes.Unavailable)
	default:
		return codeName(codes.Unauthenticated)
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return s
	}
	return ""
}

func (h *handler) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.ErrorContext(r.Context(), "panic recovered",
					"request_id", requestIDFromContext(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
				)
				writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (h *handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", recorder.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFromContext(r.Context()),
		}
		switch {
		case recorder.statusCode >= 500:
			h.logger.ErrorContext(r.Context(), "http request completed", fields...)
		case recorder.statusCode >= 400:
			h.logger.WarnContext(r.Context(), "http request completed", fields...)
		default:
			h.logger.DebugContext(r.Context(), "http request completed", fields...)
		}
	})
}
