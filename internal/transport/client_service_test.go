package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"quorumkv/internal/crdt"
	"quorumkv/internal/election"
	"quorumkv/internal/message"
	"quorumkv/internal/txn"
)

type fakeAPI struct {
	mu       sync.Mutex
	proposed [][]message.Write
	outcome  txn.Outcome
	err      error
	counters map[string]int64
	data     map[string][]byte
	status   election.Status
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		outcome:  txn.OutcomeCommitted,
		counters: make(map[string]int64),
		data:     make(map[string][]byte),
		status:   election.Status{ID: 1, Role: election.RoleLeader, Epoch: 3, Leader: 1},
	}
}

func (f *fakeAPI) ProposeTransaction(_ context.Context, writes []message.Write) (txn.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proposed = append(f.proposed, writes)
	if f.err != nil {
		return txn.OutcomeUnknown, f.err
	}
	return f.outcome, nil
}

func (f *fakeAPI) Increment(_ context.Context, counterID string) error {
	if counterID == "" {
		return crdt.ErrInvalidCounterID
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.counters[counterID]++
	return nil
}

func (f *fakeAPI) ReadCounter(_ context.Context, counterID string) (int64, error) {
	if counterID == "" {
		return 0, crdt.ErrInvalidCounterID
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters[counterID], nil
}

func (f *fakeAPI) LeaderStatus() election.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeAPI) Get(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

func (f *fakeAPI) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func bufDialer(lis *bufconn.Listener) grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func startClientServer(t *testing.T, api API, clientPeers map[uint64]string) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(timeoutInterceptor(defaultTestTimeout)))
	RegisterClientServer(srv, NewClientServer(api, clientPeers))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		bufDialer(lis),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	return NewClient(cc)
}

func TestClientService_ProposeTransactionCommits(t *testing.T) {
	api := newFakeAPI()
	client := startClientServer(t, api, nil)

	outcome, err := client.ProposeTransaction(context.Background(), []message.Write{
		{Key: "b", Value: []byte("2")},
		{Key: "a", Value: []byte("1")},
		{Key: "c", Delete: true},
	})

	require.NoError(t, err)
	assert.Equal(t, txn.OutcomeCommitted, outcome)
	require.Len(t, api.proposed, 1)
	assert.Equal(t, []message.Write{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
		{Key: "c", Delete: true},
	}, api.proposed[0])
}

func TestClientService_ProposeTransactionReportsAbort(t *testing.T) {
	api := newFakeAPI()
	api.outcome = txn.OutcomeAborted
	client := startClientServer(t, api, nil)

	outcome, err := client.ProposeTransaction(context.Background(), []message.Write{{Key: "k", Value: []byte("v")}})

	require.NoError(t, err)
	assert.Equal(t, txn.OutcomeAborted, outcome)
}

func TestClientService_NotLeaderCarriesLeaderAddress(t *testing.T) {
	api := newFakeAPI()
	api.status = election.Status{ID: 1, Role: election.RoleFollower, Epoch: 3, Leader: 2}
	api.setErr(txn.ErrNotLeader)
	client := startClientServer(t, api, map[uint64]string{2: "10.0.0.2:7000"})

	_, err := client.ProposeTransaction(context.Background(), []message.Write{{Key: "k", Value: []byte("v")}})

	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "10.0.0.2:7000")
}

func TestClientService_StatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"outcome unknown", errors.Join(txn.ErrOutcomeUnknown, context.DeadlineExceeded), codes.Unknown},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"canceled", context.Canceled, codes.Canceled},
		{"shutting down", txn.ErrShuttingDown, codes.Unavailable},
		{"stopped", election.ErrStopped, codes.Unavailable},
		{"dead", election.ErrNodeDead, codes.Unavailable},
		{"not leader", election.ErrNotLeader, codes.FailedPrecondition},
		{"aborted", txn.ErrAborted, codes.Aborted},
		{"no participants", txn.ErrNoParticipants, codes.InvalidArgument},
		{"bad counter", crdt.ErrInvalidCounterID, codes.InvalidArgument},
		{"other", errors.New("boom"), codes.Internal},
	}

	s := &clientServer{api: newFakeAPI()}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, status.Code(s.statusError(tc.err)))
		})
	}
}

func TestClientService_Counters(t *testing.T) {
	api := newFakeAPI()
	client := startClientServer(t, api, nil)
	ctx := context.Background()

	require.NoError(t, client.Increment(ctx, "hits"))
	require.NoError(t, client.Increment(ctx, "hits"))
	v, err := client.ReadCounter(ctx, "hits")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	err = client.Increment(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestClientService_LeaderStatus(t *testing.T) {
	api := newFakeAPI()
	client := startClientServer(t, api, map[uint64]string{1: "10.0.0.1:7000"})

	st, err := client.LeaderStatus(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "leader", st["role"])
	assert.Equal(t, float64(3), st["epoch"])
	assert.Equal(t, float64(1), st["leader"])
	assert.Equal(t, "10.0.0.1:7000", st["leader_address"])
}

func TestClientService_Get(t *testing.T) {
	api := newFakeAPI()
	api.data["k"] = []byte("v")
	client := startClientServer(t, api, nil)
	ctx := context.Background()

	v, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	v, err = client.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = client.Get(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestDecodeWrites_RejectsMalformedRequests(t *testing.T) {
	cases := map[string]map[string]any{
		"empty":            {},
		"writes not map":   {"writes": "x"},
		"non-string value": {"writes": map[string]any{"k": 1.0}},
		"empty key":        {"writes": map[string]any{"": "v"}},
		"deletes not list": {"deletes": "k"},
		"non-string key":   {"deletes": []any{1.0}},
	}

	for name, fields := range cases {
		t.Run(name, func(t *testing.T) {
			in, err := structpb.NewStruct(fields)
			require.NoError(t, err)

			_, err = DecodeWrites(in)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestEncodeWrites_DecodesBack(t *testing.T) {
	writes := []message.Write{
		{Key: "x", Value: []byte("1")},
		{Key: "y", Delete: true},
	}

	in, err := EncodeWrites(writes)
	require.NoError(t, err)
	out, err := DecodeWrites(in)

	require.NoError(t, err)
	assert.Equal(t, writes, out)
}
