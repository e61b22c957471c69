package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"quorumkv/internal/message"
	"quorumkv/internal/txn"
)

// Client calls the client service of one node.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, "/"+clientServiceName+"/"+method, in, out)
}

// ProposeTransaction reports an abort as OutcomeAborted with a nil error.
// Any other failure is returned as the gRPC status error.
func (c *Client) ProposeTransaction(ctx context.Context, writes []message.Write) (txn.Outcome, error) {
	in, err := EncodeWrites(writes)
	if err != nil {
		return txn.OutcomeUnknown, err
	}

	out := new(wrapperspb.StringValue)
	if err := c.invoke(ctx, "ProposeTransaction", in, out); err != nil {
		if status.Code(err) == codes.Aborted {
			return txn.OutcomeAborted, nil
		}
		return txn.OutcomeUnknown, err
	}

	if out.GetValue() == txn.OutcomeCommitted.String() {
		return txn.OutcomeCommitted, nil
	}
	return txn.OutcomeUnknown, status.Errorf(codes.Internal, "unexpected outcome %q", out.GetValue())
}

func (c *Client) Increment(ctx context.Context, counterID string) error {
	return c.invoke(ctx, "Increment", wrapperspb.String(counterID), new(emptypb.Empty))
}

func (c *Client) ReadCounter(ctx context.Context, counterID string) (int64, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.invoke(ctx, "ReadCounter", wrapperspb.String(counterID), out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

func (c *Client) LeaderStatus(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "LeaderStatus", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Get returns nil and no error for a missing key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.invoke(ctx, "Get", wrapperspb.String(key), out); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return out.GetValue(), nil
}
