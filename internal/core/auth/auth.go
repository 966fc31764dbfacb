// Package auth provides HMAC-based API key authentication for storefront
// channels calling the gRPC and HTTP transports.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// contextKey is a typed key for context values to avoid collisions.
type contextKey string

// channelIDKey is the context key for the authenticated channel.
const channelIDKey = contextKey("channel_id")

// HeaderAPIKey carries the key in gRPC metadata and HTTP headers.
const HeaderAPIKey = "x-api-key"

// lastUsedThrottle bounds last_used_at writes for busy channels.
const lastUsedThrottle = time.Minute

// Queries defines the database operations needed for authentication.
// Implemented by *db.Queries.
type Queries interface {
	Get(ctx context.Context, name string, dest any, args ...any) error
	Exec(ctx context.Context, name string, args ...any) (sql.Result, error)
}

// Authenticator validates API keys using HMAC-SHA256 signatures.
// Holds in-memory secret map for O(1) lookup and queries for key verification.
type Authenticator struct {
	secrets map[string][]byte
	queries Queries
	now     func() time.Time
	logger  *slog.Logger
}

// NewAuthenticator creates an authenticator with HMAC secrets and query interface.
func NewAuthenticator(secrets map[string][]byte, queries Queries, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default().With("component", "auth")
	}
	return &Authenticator{
		secrets: secrets,
		queries: queries,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

type keyRow struct {
	APIKeyID   string       `db:"api_key_id"`
	ChannelID  string       `db:"channel_id"`
	RevokedAt  sql.NullTime `db:"revoked_at"`
	LastUsedAt sql.NullTime `db:"last_used_at"`
}

// Authenticate validates an API key and returns its channel_id.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (string, error) {
	secretID, _, err := ParseAPIKey(apiKey)
	if err != nil {
		return "", err
	}

	secret, ok := a.secrets[secretID]
	if !ok {
		return "", ErrUnknownKey
	}

	var row keyRow
	err = a.queries.Get(ctx, "get-api-key-by-hash", &row, ComputeHMAC(secret, apiKey))
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidKey
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}

	if row.RevokedAt.Valid {
		return "", ErrKeyRevoked
	}

	now := a.now()
	if !row.LastUsedAt.Valid || now.Sub(row.LastUsedAt.Time) > lastUsedThrottle {
		if _, err := a.queries.Exec(ctx, "update-last-used", now, row.APIKeyID); err != nil {
			a.logger.Warn("update last_used_at failed", "api_key_id", row.APIKeyID, "error", err)
		}
	}

	return row.ChannelID, nil
}

// IssueKey creates and stores a key for channelID under secretID. The
// plaintext key is returned once; only its HMAC is stored.
func (a *Authenticator) IssueKey(ctx context.Context, secretID, channelID, name string) (apiKeyID, apiKey string, err error) {
	secret, ok := a.secrets[secretID]
	if !ok {
		return "", "", ErrUnknownKey
	}
	if strings.TrimSpace(channelID) == "" {
		return "", "", fmt.Errorf("channel_id required")
	}

	apiKey, err = GenerateAPIKey(secretID)
	if err != nil {
		return "", "", err
	}
	apiKeyID = uuid.NewString()
	if _, err := a.queries.Exec(ctx, "insert-api-key",
		apiKeyID, channelID, name, ComputeHMAC(secret, apiKey), a.now()); err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return apiKeyID, apiKey, nil
}

// RevokeKey blocks a key. Revoking twice is not an error.
func (a *Authenticator) RevokeKey(ctx context.Context, apiKeyID string) error {
	if _, err := a.queries.Exec(ctx, "revoke-api-key", a.now(), apiKeyID); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

// Code maps an authentication error onto a gRPC status code.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrKeyRevoked):
		return codes.PermissionDenied
	case errors.Is(err, ErrStorage):
		return codes.Unavailable
	default:
		return codes.Unauthenticated
	}
}

// HTTPStatus maps an authentication error onto an HTTP status.
func HTTPStatus(err error) int {
	switch Code(err) {
	case codes.OK:
		return http.StatusOK
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

// UnaryInterceptor returns gRPC interceptor that authenticates requests.
// Health checks pass through.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		apiKeys := md.Get(HeaderAPIKey)
		if len(apiKeys) == 0 {
			return nil, status.Error(codes.Unauthenticated, ErrMissingKey.Error())
		}

		channelID, err := a.Authenticate(ctx, apiKeys[0])
		if err != nil {
			return nil, status.Error(Code(err), err.Error())
		}
		return handler(WithChannelID(ctx, channelID), req)
	}
}

// Middleware authenticates HTTP requests by their x-api-key header.
// onError writes the rejection.
func (a *Authenticator) Middleware(onError func(w http.ResponseWriter, r *http.Request, status int, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
			if key == "" {
				onError(w, r, http.StatusUnauthorized, ErrMissingKey)
				return
			}
			channelID, err := a.Authenticate(r.Context(), key)
			if err != nil {
				onError(w, r, HTTPStatus(err), err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithChannelID(r.Context(), channelID)))
		})
	}
}

// WithChannelID returns ctx carrying an authenticated channel.
func WithChannelID(ctx context.Context, channelID string) context.Context {
	return context.WithValue(ctx, channelIDKey, channelID)
}

// ChannelIDFromContext extracts the channel ID from context.
// Returns empty string if not found.
func ChannelIDFromContext(ctx context.Context) string {
	if channelID, ok := ctx.Value(channelIDKey).(string); ok {
		return channelID
	}
	return ""
}
