package grpcclient

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/glaucoscan/internal/imagepayload"
	"github.com/example/glaucoscan/internal/inference"
	"github.com/example/glaucoscan/internal/logging"
)

// PredictMethod is the full method name served by the model server. Request
// and response are google.protobuf.Struct values so no generated stubs are
// needed on either side.
const PredictMethod = "/glaucoscan.v1.InferenceService/Predict"

// DialInferenceService returns an inference adapter backed by a model server.
func DialInferenceService(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (inference.Adapter, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_inference_service", "", err)
		logger.Error("failed to dial inference service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &grpcInference{conn: conn, logger: logger.Named("grpc_inference")}, conn, nil
}

type grpcInference struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcInference) Infer(ctx context.Context, image *imagepayload.Payload) (*inference.Result, error) {
	requestID := inference.RequestIDFromContext(ctx)

	encoded := image.Raw
	if encoded == "" {
		encoded = image.DataURL()
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"image":      encoded,
		"mime_type":  image.MIMEType,
		"request_id": requestID,
	})
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.build_request", requestID, err)
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, PredictMethod, req, resp); err != nil {
		return nil, g.mapError(requestID, err)
	}

	raw, err := protojson.Marshal(resp)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.encode_response", requestID, err)
	}
	return inference.DecodeResult(raw)
}

func (g *grpcInference) mapError(requestID string, err error) error {
	st := status.Convert(err)
	opLogger := logging.WithOperation(g.logger, "grpcclient.predict", requestID)
	opLogger.Error("inference call failed", zap.String("code", st.Code().String()), zap.String("message", st.Message()))

	switch st.Code() {
	case codes.DeadlineExceeded:
		return inference.ErrTimeout
	case codes.ResourceExhausted:
		return inference.ErrBusy
	case codes.Internal, codes.Unknown, codes.FailedPrecondition, codes.InvalidArgument:
		return &inference.ExecError{ExitCode: int(st.Code()), Stderr: st.Message()}
	default:
		return logging.NewOperationError("grpcclient.predict", requestID, err)
	}
}
