package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/solatis/tollgate/internal/core/db/dbtest"
)

const secretID = "0123456789abcdef0123456789abcdef"

var secret = []byte("0123456789abcdef0123456789abcdef-storefront")

func newAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	return NewAuthenticator(map[string][]byte{secretID: secret}, dbtest.Open(t), nil)
}

func TestParseAPIKey(t *testing.T) {
	random := strings.Repeat("ab", 32)
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid", FormatAPIKey(secretID, random), false},
		{"foreign prefix", "tk-v1-" + secretID + "-" + random, true},
		{"wrong version", "tg-v2-" + secretID + "-" + random, true},
		{"short secret id", "tg-v1-0123-" + random, true},
		{"short random", "tg-v1-" + secretID + "-abcd", true},
		{"uppercase hex", "tg-v1-" + strings.ToUpper(secretID) + "-" + random, true},
		{"extra segment", FormatAPIKey(secretID, random) + "-x", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotID, gotRandom, err := ParseAPIKey(tt.key)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidKeyFormat) {
					t.Errorf("ParseAPIKey(%q) error = %v, want ErrInvalidKeyFormat", tt.key, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAPIKey() error = %v", err)
			}
			if gotID != secretID || gotRandom != random {
				t.Errorf("ParseAPIKey() = %s, %s", gotID, gotRandom)
			}
		})
	}
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey(secretID)
	require.NoError(t, err)
	b, err := GenerateAPIKey(secretID)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 103)
	_, _, err = ParseAPIKey(a)
	assert.NoError(t, err)
}

func TestVerifyHMAC(t *testing.T) {
	h := ComputeHMAC(secret, "key")
	assert.True(t, VerifyHMAC(h, ComputeHMAC(secret, "key")))
	assert.False(t, VerifyHMAC(h, ComputeHMAC([]byte("other"), "key")))
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	a := newAuthenticator(t)

	keyID, key, err := a.IssueKey(ctx, secretID, "web-store", "storefront")
	require.NoError(t, err)

	channel, err := a.Authenticate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "web-store", channel)

	// A well-formed key that was never issued
	forged := FormatAPIKey(secretID, strings.Repeat("0", 64))
	_, err = a.Authenticate(ctx, forged)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = a.Authenticate(ctx, FormatAPIKey("fedcba9876543210fedcba9876543210", strings.Repeat("0", 64)))
	assert.ErrorIs(t, err, ErrUnknownKey)

	require.NoError(t, a.RevokeKey(ctx, keyID))
	require.NoError(t, a.RevokeKey(ctx, keyID))
	_, err = a.Authenticate(ctx, key)
	assert.ErrorIs(t, err, ErrKeyRevoked)
}

func TestIssueKey_Validation(t *testing.T) {
	a := newAuthenticator(t)
	_, _, err := a.IssueKey(context.Background(), "fedcba9876543210fedcba9876543210", "web", "x")
	assert.ErrorIs(t, err, ErrUnknownKey)
	_, _, err = a.IssueKey(context.Background(), secretID, " ", "x")
	assert.Error(t, err)
}

func TestAuthenticate_LastUsedThrottle(t *testing.T) {
	ctx := context.Background()
	q, mock := dbtest.Mock(t)
	a := NewAuthenticator(map[string][]byte{secretID: secret}, q, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	key := FormatAPIKey(secretID, strings.Repeat("1", 64))

	rows := mock.NewRows([]string{"api_key_id", "channel_id", "revoked_at", "last_used_at"})
	rows.AddRow("k1", "web", nil, now.Add(-10*time.Second))
	mock.ExpectQuery("FROM api_keys").WillReturnRows(rows)

	_, err := a.Authenticate(ctx, key)
	require.NoError(t, err, "recently used keys are not rewritten")

	rows = mock.NewRows([]string{"api_key_id", "channel_id", "revoked_at", "last_used_at"})
	rows.AddRow("k1", "web", nil, now.Add(-2*time.Minute))
	mock.ExpectQuery("FROM api_keys").WillReturnRows(rows)
	mock.ExpectExec("UPDATE api_keys").WithArgs(now, "k1").WillReturnError(errors.New("read-only replica"))

	channel, err := a.Authenticate(ctx, key)
	require.NoError(t, err, "a failed last_used_at write does not reject the request")
	assert.Equal(t, "web", channel)
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
		http int
	}{
		{nil, codes.OK, http.StatusOK},
		{ErrMissingKey, codes.Unauthenticated, http.StatusUnauthorized},
		{ErrInvalidKeyFormat, codes.Unauthenticated, http.StatusUnauthorized},
		{ErrKeyRevoked, codes.PermissionDenied, http.StatusForbidden},
		{errors.Join(ErrStorage, errors.New("down")), codes.Unavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %v, want %v", tt.err, got, tt.want)
		}
		if got := HTTPStatus(tt.err); got != tt.http {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.http)
		}
	}
}

func TestUnaryInterceptor(t *testing.T) {
	ctx := context.Background()
	a := newAuthenticator(t)
	_, key, err := a.IssueKey(ctx, secretID, "web-store", "storefront")
	require.NoError(t, err)

	intercept := a.UnaryInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/tollgate.v1.Tollgate/Execute"}
	handler := func(ctx context.Context, req any) (any, error) {
		return ChannelIDFromContext(ctx), nil
	}

	got, err := intercept(metadata.NewIncomingContext(ctx, metadata.Pairs(HeaderAPIKey, key)), nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "web-store", got)

	_, err = intercept(ctx, nil, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = intercept(metadata.NewIncomingContext(ctx, metadata.Pairs()), nil, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	health := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	_, err = intercept(ctx, nil, health, handler)
	assert.NoError(t, err, "health checks are public")
}

func TestMiddleware(t *testing.T) {
	ctx := context.Background()
	a := newAuthenticator(t)
	keyID, key, err := a.IssueKey(ctx, secretID, "web-store", "storefront")
	require.NoError(t, err)

	var rejected error
	h := a.Middleware(func(w http.ResponseWriter, _ *http.Request, status int, err error) {
		rejected = err
		w.WriteHeader(status)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(ChannelIDFromContext(r.Context())))
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/execute/checkout_start", nil)
	req.Header.Set(HeaderAPIKey, key)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "web-store", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/execute/checkout_start", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.ErrorIs(t, rejected, ErrMissingKey)

	require.NoError(t, a.RevokeKey(ctx, keyID))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.ErrorIs(t, rejected, ErrKeyRevoked)
}
