package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"labreserve/internal/models"
	"labreserve/internal/service"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	reservationServiceName = "labreserve.v1.ReservationService"

	methodSubmit      = "/" + reservationServiceName + "/Submit"
	methodCancel      = "/" + reservationServiceName + "/Cancel"
	methodGet         = "/" + reservationServiceName + "/Get"
	methodDaySchedule = "/" + reservationServiceName + "/DaySchedule"
)

// ReservationServer is the gRPC surface. Messages are google.protobuf.Struct values
// carrying the same fields as the JSON API.
type ReservationServer interface {
	Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	DaySchedule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(fullMethod string, call func(ReservationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ReservationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(ReservationServer), ctx, req.(*structpb.Struct))
		})
	}
}

var reservationServiceDesc = grpc.ServiceDesc{
	ServiceName: reservationServiceName,
	HandlerType: (*ReservationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler(methodSubmit, ReservationServer.Submit)},
		{MethodName: "Cancel", Handler: unaryHandler(methodCancel, ReservationServer.Cancel)},
		{MethodName: "Get", Handler: unaryHandler(methodGet, ReservationServer.Get)},
		{MethodName: "DaySchedule", Handler: unaryHandler(methodDaySchedule, ReservationServer.DaySchedule)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "labreserve/v1/reservation.proto",
}

func RegisterReservationServer(s grpc.ServiceRegistrar, srv ReservationServer) {
	s.RegisterService(&reservationServiceDesc, srv)
}

// ReservationService adapts the booking service to gRPC.
type ReservationService struct {
	booking BookingService
}

func NewReservationService(booking BookingService) *ReservationService {
	return &ReservationService{booking: booking}
}

func (s *ReservationService) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	who, err := callerIdentity(ctx)
	if err != nil {
		return nil, err
	}

	labID, err := intField(req, "lab_id")
	if err != nil {
		return nil, err
	}
	date, err := models.ParseDate(stringField(req, "date"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	start, err := models.ParseTimeOfDay(stringField(req, "start_time"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	end, err := models.ParseTimeOfDay(stringField(req, "end_time"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	students, err := intField(req, "student_count")
	if err != nil {
		return nil, err
	}

	res, err := s.booking.Submit(ctx, service.SubmitRequest{
		UserID:       who.UserID,
		LabID:        labID,
		Date:         date,
		Start:        start,
		End:          end,
		Purpose:      stringField(req, "purpose"),
		StudentCount: int(students),
	})
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(toResponse(res, labNameIndex(s.booking.Labs())))
}

func (s *ReservationService) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	who, err := callerIdentity(ctx)
	if err != nil {
		return nil, err
	}
	id, err := intField(req, "id")
	if err != nil {
		return nil, err
	}
	if err := s.booking.Cancel(ctx, id, who); err != nil {
		return nil, grpcError(err)
	}
	return toStruct(map[string]any{"id": id, "status": models.StatusCancelled})
}

func (s *ReservationService) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	who, err := callerIdentity(ctx)
	if err != nil {
		return nil, err
	}
	id, err := intField(req, "id")
	if err != nil {
		return nil, err
	}
	res, err := s.booking.Get(ctx, id, who)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(toResponse(res, labNameIndex(s.booking.Labs())))
}

func (s *ReservationService) DaySchedule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	labID, err := intField(req, "lab_id")
	if err != nil {
		return nil, err
	}
	date, err := models.ParseDate(stringField(req, "date"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	schedule, err := s.booking.DaySchedule(ctx, labID, date)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(schedule)
}

func callerIdentity(ctx context.Context) (models.Identity, error) {
	id, ok := IdentityFrom(ctx)
	if !ok {
		return models.Identity{}, status.Error(codes.Unauthenticated, errUnauthenticated.Error())
	}
	return id, nil
}

func stringField(s *structpb.Struct, key string) string {
	return strings.TrimSpace(s.GetFields()[key].GetStringValue())
}

// intField reads a whole number sent either as a JSON number or a decimal string.
func intField(s *structpb.Struct, key string) (int64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		if k.NumberValue != math.Trunc(k.NumberValue) {
			return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", key)
		}
		return int64(k.NumberValue), nil
	case *structpb.Value_StringValue:
		var n int64
		if _, err := fmt.Sscan(k.StringValue, &n); err != nil {
			return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", key)
		}
		return n, nil
	default:
		return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", key)
	}
}

// toStruct converts any JSON-encodable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}
