package handler

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rl1809/offer-reservation/internal/core/domain"
	"github.com/rl1809/offer-reservation/internal/core/service"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// JSONCodecName is the content-subtype clients must select with
// grpc.CallContentSubtype.
const JSONCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

type CreateReservationRequest struct {
	OfferID    string `json:"offer_id"`
	CustomerID string `json:"customer_id"`
	Quantity   int32  `json:"quantity"`
}

type CancelReservationRequest struct {
	ReservationID string `json:"reservation_id"`
	CustomerID    string `json:"customer_id"`
	Reason        string `json:"reason"`
}

type ReservationReply struct {
	Success     bool                     `json:"success"`
	Message     string                   `json:"message,omitempty"`
	Reservation *ReservationHTTPResponse `json:"reservation,omitempty"`
}

// ReservationServer is the gRPC surface of the reservation engine.
type ReservationServer interface {
	CreateReservation(context.Context, *CreateReservationRequest) (*ReservationReply, error)
	CancelReservation(context.Context, *CancelReservationRequest) (*ReservationReply, error)
}

const (
	serviceName             = "reservation.v1.ReservationService"
	createReservationMethod = "/" + serviceName + "/CreateReservation"
	cancelReservationMethod = "/" + serviceName + "/CancelReservation"
)

var ReservationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ReservationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateReservation", Handler: createReservationHandler},
		{MethodName: "CancelReservation", Handler: cancelReservationHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reservation/v1/reservation.proto",
}

func RegisterReservationServer(s grpc.ServiceRegistrar, srv ReservationServer) {
	s.RegisterService(&ReservationServiceDesc, srv)
}

func createReservationHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CreateReservationRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReservationServer).CreateReservation(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: createReservationMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReservationServer).CreateReservation(ctx, req.(*CreateReservationRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func cancelReservationHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CancelReservationRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReservationServer).CancelReservation(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: cancelReservationMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReservationServer).CancelReservation(ctx, req.(*CancelReservationRequest))
	}
	return interceptor(ctx, in, info, handler)
}

type GRPCHandler struct {
	reservations *service.ReservationService
}

func NewGRPCHandler(reservations *service.ReservationService) *GRPCHandler {
	return &GRPCHandler{reservations: reservations}
}

func (h *GRPCHandler) CreateReservation(ctx context.Context, req *CreateReservationRequest) (*ReservationReply, error) {
	res, err := h.reservations.CreateReservation(ctx, req.OfferID, req.CustomerID, int(req.Quantity))
	if err != nil {
		return nil, grpcError(err)
	}
	out := toReservationResponse(res)
	return &ReservationReply{Success: true, Message: "reservation confirmed", Reservation: &out}, nil
}

func (h *GRPCHandler) CancelReservation(ctx context.Context, req *CancelReservationRequest) (*ReservationReply, error) {
	if req.CustomerID == "" {
		return nil, status.Error(codes.InvalidArgument, "customer_id is required")
	}
	res, err := h.reservations.CancelReservation(ctx, req.ReservationID, req.CustomerID, req.Reason)
	if err != nil {
		return nil, grpcError(err)
	}
	out := toReservationResponse(res)
	return &ReservationReply{Success: true, Message: "reservation cancelled", Reservation: &out}, nil
}

// GRPCCode maps an error taxonomy code to a gRPC status code.
func GRPCCode(code string) codes.Code {
	switch code {
	case domain.CodeInvalidRequest:
		return codes.InvalidArgument
	case domain.CodeForbidden:
		return codes.PermissionDenied
	case domain.CodeNotFound:
		return codes.NotFound
	case domain.CodeOfferBusy, domain.CodeStoreUnavailable:
		return codes.Unavailable
	case domain.CodeOfferUnavailable, domain.CodeOfferExpired,
		domain.CodeInsufficientInventory, domain.CodeCancellationWindowClosed:
		return codes.FailedPrecondition
	case domain.CodeConflict:
		return codes.Aborted
	}
	return codes.Internal
}

// grpcError carries the taxonomy code as the status message prefix so
// clients can recover it with CodeFromStatus.
func grpcError(err error) error {
	code := domain.Code(err)
	msg := err.Error()
	if code == domain.CodeInternal {
		msg = "internal error"
	}
	return status.Error(GRPCCode(code), code+": "+msg)
}

// CodeFromStatus extracts the taxonomy code from a status returned by this
// service.
func CodeFromStatus(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return domain.CodeInternal
	}
	code, _, _ := strings.Cut(st.Message(), ":")
	return code
}

// ReservationClient calls the service over a connection using the JSON codec.
type ReservationClient struct {
	cc grpc.ClientConnInterface
}

func NewReservationClient(cc grpc.ClientConnInterface) *ReservationClient {
	return &ReservationClient{cc: cc}
}

func (c *ReservationClient) CreateReservation(ctx context.Context, in *CreateReservationRequest, opts ...grpc.CallOption) (*ReservationReply, error) {
	out := new(ReservationReply)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, createReservationMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReservationClient) CancelReservation(ctx context.Context, in *CancelReservationRequest, opts ...grpc.CallOption) (*ReservationReply, error) {
	out := new(ReservationReply)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, cancelReservationMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
