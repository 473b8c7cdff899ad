package decision

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/xela07ax/spotguard/internal/domain"
	"github.com/xela07ax/spotguard/internal/pricing"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeHistory map[string]domain.BootStats

func (h fakeHistory) PoolBootStats(context.Context, time.Time, time.Duration) (map[string]domain.BootStats, error) {
	return h, nil
}

func quotes() pricing.Source {
	return pricing.NewStatic([]pricing.StaticQuote{
		{Region: "eu-west-1", InstanceType: "m5.large", PoolID: "m5.large@eu-west-1a", AZ: "eu-west-1a", Price: 0.050, Risk: 0.05},
		{Region: "eu-west-1", InstanceType: "m5.large", PoolID: "m5.large@eu-west-1b", AZ: "eu-west-1b", Price: 0.030, Risk: 0.20},
		{Region: "eu-west-1", InstanceType: "m5.large", PoolID: "m5.large@eu-west-1c", AZ: "eu-west-1c", Price: 0.040, Risk: 0.60},
	})
}

func newLocal(h BootHistory, maxRisk float64) *Local {
	return NewLocal(quotes(), h, zap.NewNop(), LocalOptions{MaxRisk: maxRisk, Now: func() time.Time { return t0 }})
}

func TestLocalCheapestExcludesPrimaryPool(t *testing.T) {
	l := newLocal(nil, 0)
	ctx := context.Background()

	c, err := l.SelectPool(ctx, Request{Region: "eu-west-1", InstanceType: "m5.large", Goal: GoalCheapest})
	require.NoError(t, err)
	assert.Equal(t, "m5.large@eu-west-1b", c.PoolID)
	assert.Equal(t, "local", c.Source)

	c, err = l.SelectPool(ctx, Request{Region: "eu-west-1", InstanceType: "m5.large", Goal: GoalCheapest,
		ExcludePools: []string{"m5.large@eu-west-1b"}})
	require.NoError(t, err)
	assert.Equal(t, "m5.large@eu-west-1c", c.PoolID)
}

func TestLocalRiskThreshold(t *testing.T) {
	l := newLocal(nil, 0.5)
	c, err := l.SelectPool(context.Background(), Request{Region: "eu-west-1", InstanceType: "m5.large", Goal: GoalCheapest,
		ExcludePools: []string{"m5.large@eu-west-1b"}})
	require.NoError(t, err)
	assert.Equal(t, "m5.large@eu-west-1a", c.PoolID, "1c is above the risk threshold")
}

func TestLocalNoEligiblePool(t *testing.T) {
	l := newLocal(nil, 0)
	_, err := l.SelectPool(context.Background(), Request{Region: "us-east-1", InstanceType: "m5.large"})
	assert.ErrorIs(t, err, domain.ErrNoPool)
}

func TestLocalFastestBootPrefersOnTimeHistory(t *testing.T) {
	h := fakeHistory{
		// Самый дешевый пул, но грузится медленно
		"m5.large@eu-west-1b": {PoolID: "m5.large@eu-west-1b", Launched: 4, OnTime: 1, MeanBoot: 200 * time.Second},
		"m5.large@eu-west-1a": {PoolID: "m5.large@eu-west-1a", Launched: 4, OnTime: 4, MeanBoot: 60 * time.Second},
		"m5.large@eu-west-1c": {PoolID: "m5.large@eu-west-1c", Launched: 2, OnTime: 2, MeanBoot: 45 * time.Second},
	}
	l := newLocal(h, 0)

	c, err := l.SelectPool(context.Background(), Request{Region: "eu-west-1", InstanceType: "m5.large", Goal: GoalFastestBoot})
	require.NoError(t, err)
	// 1a и 1c оба 100% вовремя, 1c быстрее в среднем
	assert.Equal(t, "m5.large@eu-west-1c", c.PoolID)

	c, err = l.SelectPool(context.Background(), Request{Region: "eu-west-1", InstanceType: "m5.large", Goal: GoalFastestBoot,
		ExcludePools: []string{"m5.large@eu-west-1c"}})
	require.NoError(t, err)
	assert.Equal(t, "m5.large@eu-west-1a", c.PoolID)
}

func TestLocalFastestBootWithoutHistoryFallsBackToPrice(t *testing.T) {
	l := newLocal(fakeHistory{}, 0)
	c, err := l.SelectPool(context.Background(), Request{Region: "eu-west-1", InstanceType: "m5.large", Goal: GoalFastestBoot})
	require.NoError(t, err)
	assert.Equal(t, "m5.large@eu-west-1b", c.PoolID)
}

// startServer поднимает gRPC Decision Engine поверх bufconn.
func startServer(t *testing.T, strategy Strategy, token string) grpc.ClientConnInterface {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryTokenInterceptor(token)))
	RegisterServer(srv, strategy, zap.NewNop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type staticStrategy struct {
	choice Choice
	err    error
	calls  atomic.Int32
}

func (s *staticStrategy) SelectPool(context.Context, Request) (Choice, error) {
	s.calls.Add(1)
	return s.choice, s.err
}

func TestRemoteRoundTrip(t *testing.T) {
	conn := startServer(t, newLocal(nil, 0), "secret")
	fallback := &staticStrategy{choice: Choice{PoolID: "fallback"}}
	r := NewRemote(conn, fallback, zap.NewNop(), RemoteOptions{Token: "secret"})

	c, err := r.SelectPool(context.Background(), Request{Region: "eu-west-1", InstanceType: "m5.large", Goal: GoalCheapest,
		ExcludePools: []string{"m5.large@eu-west-1b"}, Deadline: 2 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "m5.large@eu-west-1c", c.PoolID)
	assert.Equal(t, "local", c.Source)
	assert.InDelta(t, 0.040, c.Price, 1e-9)
	assert.Zero(t, fallback.calls.Load())
}

func TestRemoteFallsBackOnAuthFailure(t *testing.T) {
	conn := startServer(t, newLocal(nil, 0), "secret")
	fallback := &staticStrategy{choice: Choice{PoolID: "fallback-pool", Source: "local"}}
	r := NewRemote(conn, fallback, zap.NewNop(), RemoteOptions{Token: "wrong"})

	c, err := r.SelectPool(context.Background(), Request{Region: "eu-west-1", InstanceType: "m5.large"})
	require.NoError(t, err)
	assert.Equal(t, "fallback-pool", c.PoolID)
	assert.EqualValues(t, 1, fallback.calls.Load())
}

func TestRemoteBreakerOpensAfterFailures(t *testing.T) {
	failing := &staticStrategy{err: errors.New("model offline")}
	conn := startServer(t, failing, "")
	fallback := &staticStrategy{choice: Choice{PoolID: "fallback-pool"}}
	r := NewRemote(conn, fallback, zap.NewNop(), RemoteOptions{CBFailures: 2, Attempts: 1})

	req := Request{Region: "eu-west-1", InstanceType: "m5.large"}
	for range 4 {
		c, err := r.SelectPool(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "fallback-pool", c.PoolID)
	}
	// После двух неудач предохранитель разомкнут: сервер больше не вызывается
	assert.EqualValues(t, 2, failing.calls.Load())
	assert.EqualValues(t, 4, fallback.calls.Load())
}

func TestRemoteNoFallbackSurfacesError(t *testing.T) {
	conn := startServer(t, newLocal(nil, 0), "")
	r := NewRemote(conn, nil, zap.NewNop(), RemoteOptions{})

	_, err := r.SelectPool(context.Background(), Request{Region: "ap-south-1", InstanceType: "m5.large"})
	require.Error(t, err)
}

func TestWireRequestRoundTrip(t *testing.T) {
	in := Request{AgentID: "a1", InstanceType: "m5.large", Region: "eu-west-1", Goal: GoalFastestBoot,
		ExcludePools: []string{"p1", "p2"}, Deadline: 90 * time.Second}
	s, err := encodeRequest(in)
	require.NoError(t, err)
	out, err := decodeRequest(s)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
