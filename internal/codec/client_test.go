package codec

import (
	"context"
	"errors"
	"math"
	"net"
	"testing"

	"github.com/danielpatrickdp/model-search/go-controller/internal/naming"
	"github.com/danielpatrickdp/model-search/go-controller/internal/synthetic"
	"github.com/danielpatrickdp/model-search/go-controller/internal/worker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region mock
type mockWorkerService struct {
	learnReq  *structpb.Struct
	learnResp *structpb.Struct
	learnErr  error

	compareResp *structpb.Struct
	compareErr  error

	negligibleResp *structpb.Struct
	negligibleErr  error
}

func (m *mockWorkerService) Learn(_ context.Context, in *structpb.Struct, _ ...grpc.CallOption) (*structpb.Struct, error) {
	m.learnReq = in
	return m.learnResp, m.learnErr
}

func (m *mockWorkerService) Compare(_ context.Context, _ *structpb.Struct, _ ...grpc.CallOption) (*structpb.Struct, error) {
	return m.compareResp, m.compareErr
}

func (m *mockWorkerService) Negligible(_ context.Context, _ *structpb.Struct, _ ...grpc.CallOption) (*structpb.Struct, error) {
	return m.negligibleResp, m.negligibleErr
}

func mustStruct(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return s
}

// #endregion mock

// #region constructor-tests
func TestNewWorkerClientLazyDial(t *testing.T) {
	client, err := NewWorkerClient("localhost:0")
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	defer client.Close()
}

func TestNewWorkerClientWithService(t *testing.T) {
	c := NewWorkerClientWithService(&mockWorkerService{})
	if c.client == nil {
		t.Fatal("expected non-nil internal client")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close without conn: %v", err)
	}
}

// #endregion constructor-tests

// #region client-tests
func TestLearn_Success(t *testing.T) {
	mock := &mockWorkerService{
		learnResp: mustStruct(t, map[string]any{"handle": "aGVsbG8="}),
	}
	c := NewWorkerClientWithService(mock)

	h, err := c.Learn(context.Background(), worker.Subject{ID: 4, Name: "xTx"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(h) != "hello" {
		t.Errorf("expected handle 'hello', got %q", h)
	}
	sent, err := decodeSubject(mock.learnReq, "model")
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if sent.ID != 4 || sent.Name != "xTx" {
		t.Errorf("unexpected request subject: %+v", sent)
	}
}

func TestLearn_Error(t *testing.T) {
	mock := &mockWorkerService{learnErr: errors.New("rpc failed")}
	c := NewWorkerClientWithService(mock)

	_, err := c.Learn(context.Background(), worker.Subject{ID: 1, Name: "x"})
	if !errors.Is(err, mock.learnErr) {
		t.Errorf("expected wrapped rpc error, got: %v", err)
	}
}

func TestLearn_MissingHandle(t *testing.T) {
	c := NewWorkerClientWithService(&mockWorkerService{learnResp: mustStruct(t, nil)})
	if _, err := c.Learn(context.Background(), worker.Subject{ID: 1, Name: "x"}); err == nil {
		t.Fatal("expected error for response without handle")
	}
}

func TestCompare_Success(t *testing.T) {
	mock := &mockWorkerService{
		compareResp: mustStruct(t, map[string]any{"log_ratio": math.Log(100)}),
	}
	c := NewWorkerClientWithService(mock)

	r, err := c.Compare(context.Background(), worker.Subject{ID: 1}, worker.Subject{ID: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(r-100) > 1e-9 {
		t.Errorf("expected ratio 100, got %v", r)
	}
}

func TestCompare_Error(t *testing.T) {
	mock := &mockWorkerService{compareErr: errors.New("compare failed")}
	c := NewWorkerClientWithService(mock)

	_, err := c.Compare(context.Background(), worker.Subject{ID: 1}, worker.Subject{ID: 2})
	if !errors.Is(err, mock.compareErr) {
		t.Errorf("expected wrapped compare error, got: %v", err)
	}
}

func TestNegligible_Success(t *testing.T) {
	mock := &mockWorkerService{
		negligibleResp: mustStruct(t, map[string]any{"terms": []any{"z", "y"}}),
	}
	c := NewWorkerClientWithService(mock)

	terms, err := c.Negligible(context.Background(), worker.Subject{ID: 1, Handle: []byte("{}")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(terms) != 2 || terms[0] != "z" || terms[1] != "y" {
		t.Errorf("expected [z y], got %v", terms)
	}
}

// #endregion client-tests

// #region bufconn-tests
func dialServer(t *testing.T, srv WorkerServiceServer) *WorkerClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterWorkerServiceServer(s, srv)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	c := &WorkerClient{conn: conn, client: NewWorkerServiceClient(conn)}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRoundTripSynthetic(t *testing.T) {
	sys, err := synthetic.New(synthetic.Config{Target: "xPy", Seed: 5}, naming.Pauli{})
	if err != nil {
		t.Fatalf("synthetic.New: %v", err)
	}
	c := dialServer(t, NewServer(sys, sys))
	ctx := context.Background()

	a := worker.Subject{ID: 1, Name: "xPy"}
	b := worker.Subject{ID: 2, Name: "xPyPz"}
	if a.Handle, err = c.Learn(ctx, a); err != nil {
		t.Fatalf("Learn a: %v", err)
	}
	if b.Handle, err = c.Learn(ctx, b); err != nil {
		t.Fatalf("Learn b: %v", err)
	}

	want, _ := sys.Compare(ctx, a, b)
	got, err := c.Compare(ctx, a, b)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if math.Abs(got/want-1) > 1e-9 {
		t.Fatalf("expected ratio %v over the wire, got %v", want, got)
	}

	terms, err := c.Negligible(ctx, b)
	if err != nil {
		t.Fatalf("Negligible: %v", err)
	}
	if len(terms) != 1 || terms[0] != "z" {
		t.Fatalf("expected [z], got %v", terms)
	}
}

func TestServerRejectsMissingModel(t *testing.T) {
	sys, _ := synthetic.New(synthetic.Config{Target: "x"}, naming.Pauli{})
	c := dialServer(t, NewServer(sys, sys))

	_, err := c.client.Learn(context.Background(), &structpb.Struct{})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestServerSurfacesLearnFailure(t *testing.T) {
	sys, _ := synthetic.New(synthetic.Config{Target: "x"}, naming.Pauli{})
	c := dialServer(t, NewServer(sys, sys))

	// empty segment in the name fails to canonicalise
	_, err := c.Learn(context.Background(), worker.Subject{ID: 1, Name: "xPPPy+"})
	if status.Code(errors.Unwrap(err)) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
}

// #endregion bufconn-tests
