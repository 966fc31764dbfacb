package server

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/tollgate/internal/audit"
	"github.com/solatis/tollgate/internal/core/api"
	"github.com/solatis/tollgate/internal/core/auth"
	"github.com/solatis/tollgate/internal/core/config"
	"github.com/solatis/tollgate/internal/core/db/dbtest"
	"github.com/solatis/tollgate/internal/engine"
	"github.com/solatis/tollgate/internal/functions"
	"github.com/solatis/tollgate/internal/gate"
	"github.com/solatis/tollgate/internal/ledger"
	"github.com/solatis/tollgate/internal/store"
	"github.com/solatis/tollgate/internal/types"
)

const serverSeed = `
entry_points:
  - code: checkout_terms
    name: Terms

templates:
  - name: terms
    title: Terms and conditions
    content: I accept the terms and conditions

rules:
  - rule_code: terms
    entry_point: checkout_terms
    actions:
      - type: user_acknowledge
        template: terms
        ackKey: terms_v1
        required: true
        blocking: true
`

const secretID = "0123456789abcdef0123456789abcdef"

type stack struct {
	service *api.Service
	auth    *auth.Authenticator
	key     string
	terms   float64
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	q := dbtest.Open(t)

	s := store.New(q)
	seed, err := store.LoadSeed(strings.NewReader(serverSeed))
	require.NoError(t, err)
	_, err = s.ApplySeed(ctx, seed)
	require.NoError(t, err)
	rule, err := s.Rule(ctx, "terms")
	require.NoError(t, err)

	l := ledger.New(q)
	sink := audit.NewSQLSink(q, nil)
	eng := engine.New(s, functions.NewDefault(), engine.WithLedger(l), engine.WithRecorder(sink))
	g := gate.New(eng, l, gate.WithEntryPoints(types.CheckoutTerms))
	svc, err := api.NewService(eng, l, g, api.WithAuditReader(sink))
	require.NoError(t, err)

	a := auth.NewAuthenticator(map[string][]byte{secretID: []byte(strings.Repeat("s", 32))}, q, nil)
	_, key, err := a.IssueKey(ctx, secretID, "web-store", "storefront")
	require.NoError(t, err)

	return &stack{
		service: svc,
		auth:    a,
		key:     key,
		terms:   float64(rule.Actions[0].Acknowledge.TemplateID),
	}
}

func dialBufconn(t *testing.T, st *stack) *grpc.ClientConn {
	t.Helper()
	srv, err := NewGRPCServer(&config.ServerConfig{MaxConnections: 10}, st.service, st.auth, nil)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func TestNewGRPCServer_Validation(t *testing.T) {
	st := newStack(t)
	_, err := NewGRPCServer(nil, st.service, st.auth, nil)
	assert.Error(t, err)
	_, err = NewGRPCServer(&config.ServerConfig{}, nil, st.auth, nil)
	assert.Error(t, err)
	_, err = NewGRPCServer(&config.ServerConfig{}, st.service, nil, nil)
	assert.Error(t, err)
}

func TestGRPC_CheckoutFlow(t *testing.T) {
	st := newStack(t)
	conn := dialBufconn(t, st)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := invoke(ctx, conn, "Execute", map[string]any{"entry_point": "checkout_terms"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx = metadata.AppendToOutgoingContext(ctx, auth.HeaderAPIKey, st.key)

	res, err := invoke(ctx, conn, "Execute", map[string]any{
		"entry_point": "checkout_terms",
		"session_id":  "s1",
		"context":     map[string]any{},
	})
	require.NoError(t, err)
	assert.True(t, res.Fields["blocked"].GetBoolValue())
	prompts := res.Fields["required_acknowledgments"].GetListValue().GetValues()
	require.Len(t, prompts, 1)
	assert.Equal(t, "terms_v1", prompts[0].GetStructValue().Fields["ack_key"].GetStringValue())
	executionID := res.Fields["execution_id"].GetStringValue()

	draft := map[string]any{"session_id": "s1", "order_id": "o1", "context": map[string]any{}}
	res, err = invoke(ctx, conn, "Gate", draft)
	require.NoError(t, err)
	assert.True(t, res.Fields["blocked"].GetBoolValue())

	_, err = invoke(ctx, conn, "Acknowledge", map[string]any{
		"session_id": "s1", "ack_key": "terms_v1", "accepted": true,
	})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "template_id is required")

	res, err = invoke(ctx, conn, "Acknowledge", map[string]any{
		"session_id": "s1", "ack_key": "terms_v1", "template_id": st.terms, "accepted": true,
	})
	require.NoError(t, err)
	assert.Equal(t, float64(1), res.Fields["version"].GetNumberValue())

	res, err = invoke(ctx, conn, "Gate", draft)
	require.NoError(t, err)
	assert.False(t, res.Fields["blocked"].GetBoolValue())

	res, err = invoke(ctx, conn, "OrderAcknowledgments", map[string]any{"order_id": "o1"})
	require.NoError(t, err)
	assert.Len(t, res.Fields["acknowledgments"].GetListValue().GetValues(), 1)

	res, err = invoke(ctx, conn, "GetExecution", map[string]any{"execution_id": executionID})
	require.NoError(t, err)
	header := res.Fields["execution"].GetStructValue()
	assert.Equal(t, "checkout_terms", header.Fields["entry_point"].GetStringValue())

	_, err = invoke(ctx, conn, "GetExecution", map[string]any{"execution_id": "nope"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_HealthIsPublic(t *testing.T) {
	conn := dialBufconn(t, newStack(t))
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(context.Background(),
		&grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}

func TestToStruct_RejectsNonObjects(t *testing.T) {
	_, err := toStruct([]string{"a"})
	assert.Error(t, err)

	s, err := toStruct(map[string]any{"n": 1, "nested": map[string]any{"ok": true}})
	require.NoError(t, err)
	var back map[string]any
	require.NoError(t, fromStruct(s, &back))
	assert.Equal(t, map[string]any{"n": float64(1), "nested": map[string]any{"ok": true}}, back)
}
