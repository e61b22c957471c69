package transport

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"quorumkv/internal/crdt"
	"quorumkv/internal/election"
	"quorumkv/internal/message"
	"quorumkv/internal/storage"
	"quorumkv/internal/txn"
)

var ErrInvalidRequest = errors.New("invalid request")

// API is what a node exposes to clients.
type API interface {
	ProposeTransaction(ctx context.Context, writes []message.Write) (txn.Outcome, error)
	Increment(ctx context.Context, counterID string) error
	ReadCounter(ctx context.Context, counterID string) (int64, error)
	LeaderStatus() election.Status
	Get(key string) ([]byte, bool)
}

type clientServer struct {
	api         API
	clientPeers map[uint64]string
}

// NewClientServer adapts api to the gRPC client service. clientPeers maps
// node ids to client addresses and is used for leader hints.
func NewClientServer(api API, clientPeers map[uint64]string) ClientServer {
	return &clientServer{api: api, clientPeers: clientPeers}
}

func (s *clientServer) ProposeTransaction(ctx context.Context, in *structpb.Struct) (*wrapperspb.StringValue, error) {
	writes, err := DecodeWrites(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	outcome, err := s.api.ProposeTransaction(ctx, writes)
	if err != nil {
		return nil, s.statusError(err)
	}
	if err := outcome.Err(); err != nil {
		return nil, s.statusError(err)
	}
	return wrapperspb.String(outcome.String()), nil
}

func (s *clientServer) Increment(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.api.Increment(ctx, in.GetValue()); err != nil {
		return nil, s.statusError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *clientServer) ReadCounter(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.Int64Value, error) {
	v, err := s.api.ReadCounter(ctx, in.GetValue())
	if err != nil {
		return nil, s.statusError(err)
	}
	return wrapperspb.Int64(v), nil
}

func (s *clientServer) LeaderStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.api.LeaderStatus()

	fields := map[string]any{
		"node_id": float64(st.ID),
		"role":    st.Role.String(),
		"epoch":   float64(st.Epoch),
		"leader":  float64(st.Leader),
	}
	if addr, ok := s.clientPeers[st.Leader]; ok {
		fields["leader_address"] = addr
	}

	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

func (s *clientServer) Get(_ context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "key must not be empty")
	}
	v, ok := s.api.Get(in.GetValue())
	if !ok {
		return nil, status.Errorf(codes.NotFound, "key %q not found", in.GetValue())
	}
	return wrapperspb.Bytes(v), nil
}

func (s *clientServer) statusError(err error) error {
	switch {
	case errors.Is(err, txn.ErrOutcomeUnknown):
		return status.Error(codes.Unknown, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "request timed out")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, txn.ErrShuttingDown), errors.Is(err, election.ErrStopped):
		return status.Error(codes.Unavailable, "server is shutting down")
	case errors.Is(err, election.ErrNodeDead):
		return status.Error(codes.Unavailable, "node is down")
	case errors.Is(err, txn.ErrNotLeader), errors.Is(err, election.ErrNotLeader):
		msg := err.Error()
		if addr, ok := s.clientPeers[s.api.LeaderStatus().Leader]; ok {
			msg = fmt.Sprintf("%s (%s)", msg, addr)
		}
		return status.Error(codes.FailedPrecondition, msg)
	case errors.Is(err, txn.ErrAborted):
		return status.Error(codes.Aborted, "transaction aborted")
	case errors.Is(err, txn.ErrNoParticipants),
		errors.Is(err, crdt.ErrInvalidCounterID),
		errors.Is(err, storage.ErrEmptyKey),
		errors.Is(err, ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Errorf(codes.Internal, "%v", err)
	}
}

// EncodeWrites builds the ProposeTransaction request: set values under
// "writes" and deleted keys under "deletes". Values travel as strings.
func EncodeWrites(writes []message.Write) (*structpb.Struct, error) {
	sets := make(map[string]any)
	var deletes []any
	for _, w := range writes {
		if w.Delete {
			deletes = append(deletes, w.Key)
			continue
		}
		sets[w.Key] = string(w.Value)
	}

	fields := map[string]any{"writes": sets}
	if len(deletes) > 0 {
		fields["deletes"] = deletes
	}
	return structpb.NewStruct(fields)
}

// DecodeWrites is the inverse of EncodeWrites. Sets come first, in key
// order, then deletes in request order.
func DecodeWrites(in *structpb.Struct) ([]message.Write, error) {
	fields := in.GetFields()
	var writes []message.Write

	if v, ok := fields["writes"]; ok {
		sets := v.GetStructValue()
		if sets == nil {
			return nil, fmt.Errorf("%w: writes must be an object", ErrInvalidRequest)
		}
		for _, key := range slices.Sorted(maps.Keys(sets.GetFields())) {
			sv, ok := sets.GetFields()[key].GetKind().(*structpb.Value_StringValue)
			if !ok {
				return nil, fmt.Errorf("%w: value of %q must be a string", ErrInvalidRequest, key)
			}
			writes = append(writes, message.Write{Key: key, Value: []byte(sv.StringValue)})
		}
	}

	if v, ok := fields["deletes"]; ok {
		list := v.GetListValue()
		if list == nil {
			return nil, fmt.Errorf("%w: deletes must be a list", ErrInvalidRequest)
		}
		for _, item := range list.GetValues() {
			sv, ok := item.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return nil, fmt.Errorf("%w: deleted keys must be strings", ErrInvalidRequest)
			}
			writes = append(writes, message.Write{Key: sv.StringValue, Delete: true})
		}
	}

	for _, w := range writes {
		if w.Key == "" {
			return nil, fmt.Errorf("%w: empty key", ErrInvalidRequest)
		}
	}
	if len(writes) == 0 {
		return nil, fmt.Errorf("%w: no writes", ErrInvalidRequest)
	}
	return writes, nil
}
