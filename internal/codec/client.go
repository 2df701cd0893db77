package codec

import (
	"context"
	"fmt"
	"math"

	"github.com/danielpatrickdp/model-search/go-controller/internal/worker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region client-struct
// WorkerClient wraps the gRPC connection to a remote worker. It satisfies
// worker.Learner and worker.Comparator.
type WorkerClient struct {
	conn   *grpc.ClientConn
	client WorkerServiceClient
}

// #endregion client-struct

// #region constructor
// NewWorkerClient connects to a worker gRPC server.
func NewWorkerClient(addr string) (*WorkerClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &WorkerClient{
		conn:   conn,
		client: NewWorkerServiceClient(conn),
	}, nil
}

// NewWorkerClientWithService creates a WorkerClient with an injected service implementation.
// Used for testing without a real gRPC connection.
func NewWorkerClientWithService(svc WorkerServiceClient) *WorkerClient {
	return &WorkerClient{client: svc}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection.
func (c *WorkerClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region learn
// Learn asks the worker to fit m and returns its opaque handle.
func (c *WorkerClient) Learn(ctx context.Context, m worker.Subject) (worker.Handle, error) {
	req, err := subjectRequest(map[string]worker.Subject{"model": m})
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Learn(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("learn rpc: %w", err)
	}
	return decodeHandle(resp)
}

// Negligible asks the worker which terms of learned model m are negligible.
func (c *WorkerClient) Negligible(ctx context.Context, m worker.Subject) ([]string, error) {
	req, err := subjectRequest(map[string]worker.Subject{"model": m})
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Negligible(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("negligible rpc: %w", err)
	}
	var terms []string
	for _, v := range resp.GetFields()["terms"].GetListValue().GetValues() {
		terms = append(terms, v.GetStringValue())
	}
	return terms, nil
}

// #endregion learn

// #region compare
// Compare returns the evidence ratio favouring a over b.
func (c *WorkerClient) Compare(ctx context.Context, a, b worker.Subject) (float64, error) {
	req, err := subjectRequest(map[string]worker.Subject{"a": a, "b": b})
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Compare(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("compare rpc: %w", err)
	}
	return decodeRatio(resp)
}

// decodeRatio reads the ratio, carried as a log so extreme evidence survives
// the trip as a finite number.
func decodeRatio(resp *structpb.Struct) (float64, error) {
	v, ok := resp.GetFields()["log_ratio"]
	if !ok {
		return 0, fmt.Errorf("response missing log_ratio")
	}
	return math.Exp(v.GetNumberValue()), nil
}

// #endregion compare
