package hddo

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func newGRPCTransport(t *testing.T, l *Ledger) *GRPCTransport {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterLedgerServiceServer(srv, &GRPCServer{Ledger: l})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	tr, err := DialGRPC("passthrough:///bufnet", GRPCDialOptions{
		MaxMsgBytes: 4 << 20,
		Extra: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	tr.Timeout = 5 * time.Second
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestGRPC_Flow(t *testing.T) {
	l, _ := newTestLedger(t)
	tr := newGRPCTransport(t, l)
	ctx := context.Background()

	r := newTestRecord(t, WithCompatibilityLimit(2))
	require.NoError(t, r.AddScript(Script{"-4", SigKeyPlaceholder, OpAdd, "0"}))
	require.NoError(t, r.AddInfo("k", "v"))
	require.NoError(t, r.AddMessage("grpc"))
	require.NoError(t, r.Close())
	require.NoError(t, r.Transmit(ctx, tr))

	ok, err := Challenge(ctx, tr, r.CommitmentHash(), 4)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := tr.Lookup(ctx, r.DisclosureHash())
	require.NoError(t, err)
	require.Equal(t, r.Sendable().Canonical(), rec.Canonical())
	require.Equal(t, r.DisclosureHash(), rec.DisclosureHash)

	require.NoError(t, r.Delete(ctx, tr))
	_, err = tr.Broadcast(ctx, r.CommitmentHash())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGRPC_Errors(t *testing.T) {
	l, _ := newTestLedger(t)
	tr := newGRPCTransport(t, l)
	ctx := context.Background()

	c := Digest([]byte("c"))
	_, err := tr.Reserve(ctx, c)
	require.NoError(t, err)
	_, err = tr.Reserve(ctx, c)
	require.ErrorIs(t, err, ErrReservationConflict)
	_, err = tr.Reserve(ctx, "bad")
	require.ErrorIs(t, err, ErrInitialization)

	d, err := NewDataUnit("a.b", 1, WithTimestamp(ts0))
	require.NoError(t, err)
	_, err = tr.Accept(ctx, SendableRecord{Data: d, CommitmentHash: c}, "wrong")
	require.ErrorIs(t, err, ErrInvalidReservation)

	r := transmittedRecord(t, l, nil)
	require.ErrorIs(t, tr.Delete(ctx, r.Sendable(), "nope"), ErrProofMismatch)
	_, err = tr.Lookup(ctx, Digest([]byte("missing")))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGRPCServer_StatusDetails(t *testing.T) {
	l, _ := newTestLedger(t)
	srv := &GRPCServer{Ledger: l}

	_, err := srv.Reserve(context.Background(), wrapperspb.String("bad"))
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.InvalidArgument, st.Code())
	require.Len(t, st.Details(), 1)
	info, ok := st.Details()[0].(*errdetails.ErrorInfo)
	require.True(t, ok)
	require.Equal(t, string(CodeInitialization), info.GetReason())
	require.Equal(t, errorDomain, info.GetDomain())

	_, err = (&GRPCServer{}).Reserve(context.Background(), wrapperspb.String("x"))
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestMapRPC(t *testing.T) {
	require.NoError(t, mapRPC(nil))

	plain := errors.New("plain")
	require.Equal(t, plain, mapRPC(plain))

	tests := []struct {
		code codes.Code
		want error
	}{
		{codes.NotFound, ErrNotFound},
		{codes.PermissionDenied, ErrPermission},
		{codes.AlreadyExists, ErrReservationConflict},
		{codes.FailedPrecondition, ErrInvalidReservation},
		{codes.InvalidArgument, ErrInitialization},
	}
	for _, tt := range tests {
		require.ErrorIs(t, mapRPC(status.Error(tt.code, "x")), tt.want, tt.code.String())
	}
	require.Equal(t, codes.Unavailable, status.Code(mapRPC(status.Error(codes.Unavailable, "down"))))
}

func TestGRPCCodeFor(t *testing.T) {
	require.Equal(t, codes.NotFound, grpcCodeFor(CodeNotFound))
	require.Equal(t, codes.PermissionDenied, grpcCodeFor(CodeProofMismatch))
	require.Equal(t, codes.AlreadyExists, grpcCodeFor(CodeReservationConflict))
	require.Equal(t, codes.FailedPrecondition, grpcCodeFor(CodeInvalidReservation))
	require.Equal(t, codes.InvalidArgument, grpcCodeFor(CodeScriptValidation))
	require.Equal(t, codes.Internal, grpcCodeFor(CodeInternal))
}
