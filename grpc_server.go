package hddo

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// errorDomain tags gRPC ErrorInfo details produced by this package.
const errorDomain = "hddo"

// GRPCServer exposes a Ledger over the ledger gRPC service.
type GRPCServer struct {
	UnimplementedLedgerServiceServer
	Ledger *Ledger
	Logger *slog.Logger
}

var _ LedgerServiceServer = (*GRPCServer)(nil)

// Reserve implements LedgerServiceServer.
func (s *GRPCServer) Reserve(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	if s == nil || s.Ledger == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing ledger")
	}
	token, err := s.Ledger.Reserve(ctx, in.GetValue())
	if err != nil {
		return nil, s.mapErr(err)
	}
	return wrapperspb.String(token), nil
}

// Accept implements LedgerServiceServer.
func (s *GRPCServer) Accept(ctx context.Context, in *structpb.Struct) (*wrapperspb.StringValue, error) {
	if s == nil || s.Ledger == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing ledger")
	}
	rec, err := FromProtoSendable(in.GetFields()["record"].GetStructValue())
	if err != nil {
		return nil, s.mapErr(err)
	}
	disclosure, err := s.Ledger.Accept(ctx, rec, in.GetFields()["token"].GetStringValue())
	if err != nil {
		return nil, s.mapErr(err)
	}
	return wrapperspb.String(disclosure), nil
}

// Delete implements LedgerServiceServer.
func (s *GRPCServer) Delete(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if s == nil || s.Ledger == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing ledger")
	}
	rec, err := FromProtoSendable(in.GetFields()["record"].GetStructValue())
	if err != nil {
		return nil, s.mapErr(err)
	}
	if err := s.Ledger.Delete(ctx, rec, in.GetFields()["salt"].GetStringValue()); err != nil {
		return nil, s.mapErr(err)
	}
	return &emptypb.Empty{}, nil
}

// Broadcast implements LedgerServiceServer.
func (s *GRPCServer) Broadcast(ctx context.Context, in *wrapperspb.StringValue) (*structpb.ListValue, error) {
	if s == nil || s.Ledger == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing ledger")
	}
	script, err := s.Ledger.Broadcast(ctx, in.GetValue())
	if err != nil {
		return nil, s.mapErr(err)
	}
	return ToProtoScript(script), nil
}

// Lookup implements LedgerServiceServer.
func (s *GRPCServer) Lookup(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	if s == nil || s.Ledger == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing ledger")
	}
	rec, err := s.Ledger.Lookup(ctx, in.GetValue())
	if err != nil {
		return nil, s.mapErr(err)
	}
	out, err := ToProtoSendable(rec)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return out, nil
}

// grpcCodeFor maps an error kind to a gRPC status code.
func grpcCodeFor(code ErrorCode) codes.Code {
	switch code {
	case CodeNotFound:
		return codes.NotFound
	case CodePermission, CodeProofMismatch:
		return codes.PermissionDenied
	case CodeReservationConflict:
		return codes.AlreadyExists
	case CodeInvalidReservation:
		return codes.FailedPrecondition
	case CodeInitialization, CodeScriptValidation:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// mapErr converts a ledger error to a gRPC status carrying the error code
// in an ErrorInfo detail.
func (s *GRPCServer) mapErr(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	code := CodeOf(err)
	msg := err.Error()
	if code == CodeInternal {
		if s.Logger != nil {
			s.Logger.Error("rpc failed", "err", err)
		}
		msg = "internal error"
	}
	st := status.New(grpcCodeFor(code), msg)
	if detailed, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: string(code), Domain: errorDomain}); derr == nil {
		st = detailed
	}
	return st.Err()
}

// mapRPC converts a gRPC error back to an error wrapping the package
// sentinel named in its ErrorInfo detail, falling back on the status code.
func mapRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == errorDomain {
			return errorFromCode(ErrorCode(info.GetReason()), st.Message())
		}
	}
	switch st.Code() {
	case codes.NotFound:
		return errorFromCode(CodeNotFound, st.Message())
	case codes.PermissionDenied:
		return errorFromCode(CodePermission, st.Message())
	case codes.AlreadyExists:
		return errorFromCode(CodeReservationConflict, st.Message())
	case codes.FailedPrecondition:
		return errorFromCode(CodeInvalidReservation, st.Message())
	case codes.InvalidArgument:
		return errorFromCode(CodeInitialization, st.Message())
	default:
		return err
	}
}
