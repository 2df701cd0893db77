package codec

import (
	"context"
	"encoding/base64"
	"log"
	"math"

	"github.com/danielpatrickdp/model-search/go-controller/internal/worker"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region server
// Server exposes a local Learner and Comparator over gRPC.
type Server struct {
	learner    worker.Learner
	comparator worker.Comparator
}

// NewServer wraps learner and comparator.
func NewServer(learner worker.Learner, comparator worker.Comparator) *Server {
	return &Server{learner: learner, comparator: comparator}
}

func (s *Server) Learn(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m, err := decodeSubject(in, "model")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "learn: %v", err)
	}
	h, err := s.learner.Learn(ctx, m)
	if err != nil {
		log.Printf("[WORKER] learn %d (%s) failed: %v", m.ID, m.Name, err)
		return nil, status.Errorf(codes.Internal, "learn %s: %v", m.Name, err)
	}
	log.Printf("[WORKER] learned %d (%s)", m.ID, m.Name)
	return encodeHandle(h)
}

func (s *Server) Negligible(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m, err := decodeSubject(in, "model")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "negligible: %v", err)
	}
	terms, err := s.learner.Negligible(ctx, m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "negligible %s: %v", m.Name, err)
	}
	list := make([]any, len(terms))
	for i, t := range terms {
		list[i] = t
	}
	return structpb.NewStruct(map[string]any{"terms": list})
}

func (s *Server) Compare(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a, err := decodeSubject(in, "a")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "compare: %v", err)
	}
	b, err := decodeSubject(in, "b")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "compare: %v", err)
	}
	ratio, err := s.comparator.Compare(ctx, a, b)
	if err != nil {
		log.Printf("[WORKER] compare %d,%d failed: %v", a.ID, b.ID, err)
		return nil, status.Errorf(codes.Internal, "compare %d,%d: %v", a.ID, b.ID, err)
	}
	if math.IsNaN(ratio) || ratio <= 0 {
		return nil, status.Errorf(codes.Internal, "compare %d,%d: unusable ratio %v", a.ID, b.ID, ratio)
	}
	return structpb.NewStruct(map[string]any{"log_ratio": math.Log(ratio)})
}

func encodeHandle(h worker.Handle) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"handle": base64.StdEncoding.EncodeToString(h),
	})
}

// #endregion server
