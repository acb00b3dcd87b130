package hddo

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// GRPCTransport implements Transport over the ledger gRPC service.
type GRPCTransport struct {
	cc     *grpc.ClientConn
	client LedgerServiceClient

	// Timeout applies per RPC when non-zero.
	Timeout time.Duration
}

// GRPCDialOptions configures DialGRPC.
type GRPCDialOptions struct {
	// MaxMsgBytes sets both send/recv max sizes when non-zero.
	MaxMsgBytes int
	// Extra is appended to the dial options; it may carry credentials or a
	// custom dialer. Without transport credentials the connection is
	// insecure.
	Extra []grpc.DialOption
}

// DialGRPC connects to the ledger gRPC service at target.
func DialGRPC(target string, opts GRPCDialOptions) (*GRPCTransport, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if opts.MaxMsgBytes > 0 {
		dialOpts = append(dialOpts,
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(opts.MaxMsgBytes),
				grpc.MaxCallSendMsgSize(opts.MaxMsgBytes),
			),
		)
	}
	dialOpts = append(dialOpts, opts.Extra...)

	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &GRPCTransport{cc: cc, client: NewLedgerServiceClient(cc)}, nil
}

// Close closes the client connection.
func (t *GRPCTransport) Close() error {
	if t == nil || t.cc == nil {
		return nil
	}
	return t.cc.Close()
}

func (t *GRPCTransport) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if t.Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, t.Timeout)
}

// Reserve implements Transport.
func (t *GRPCTransport) Reserve(ctx context.Context, commitment string) (string, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	reply, err := t.client.Reserve(ctx, wrapperspb.String(commitment))
	if err != nil {
		return "", mapRPC(err)
	}
	return reply.GetValue(), nil
}

// Accept implements Transport.
func (t *GRPCTransport) Accept(ctx context.Context, rec SendableRecord, token string) (string, error) {
	msg, err := recordRequest(rec, "token", token)
	if err != nil {
		return "", err
	}
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	reply, err := t.client.Accept(ctx, msg)
	if err != nil {
		return "", mapRPC(err)
	}
	return reply.GetValue(), nil
}

// Delete implements Transport.
func (t *GRPCTransport) Delete(ctx context.Context, rec SendableRecord, salt string) error {
	msg, err := recordRequest(rec, "salt", salt)
	if err != nil {
		return err
	}
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	if _, err := t.client.Delete(ctx, msg); err != nil {
		return mapRPC(err)
	}
	return nil
}

// Broadcast implements Transport.
func (t *GRPCTransport) Broadcast(ctx context.Context, commitment string) (Script, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	reply, err := t.client.Broadcast(ctx, wrapperspb.String(commitment))
	if err != nil {
		return nil, mapRPC(err)
	}
	return FromProtoScript(reply)
}

// Lookup fetches the record published under a disclosure hash.
func (t *GRPCTransport) Lookup(ctx context.Context, disclosure string) (SendableRecord, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	reply, err := t.client.Lookup(ctx, wrapperspb.String(disclosure))
	if err != nil {
		return SendableRecord{}, mapRPC(err)
	}
	return FromProtoSendable(reply)
}

var (
	_ Transport = (*GRPCTransport)(nil)
	_ Transport = (*HTTPTransport)(nil)
	_ Transport = (*ProtoHTTPTransport)(nil)
)
