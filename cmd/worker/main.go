package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/danielpatrickdp/model-search/go-controller/internal/codec"
	"github.com/danielpatrickdp/model-search/go-controller/internal/naming"
	"github.com/danielpatrickdp/model-search/go-controller/internal/synthetic"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// #region main
func main() {
	addr := flag.String("addr", envOr("WORKER_ADDR", ":50051"), "listen address")
	target := flag.String("target", envOr("SEARCH_TARGET", ""), "model the synthetic system is generated by")
	seed := flag.Uint64("seed", envUint("WORKER_SEED", 0), "jitter seed")
	noise := flag.Float64("noise", 0, "parameter jitter (0 = default, negative disables)")
	delay := flag.Duration("delay", 0, "simulated time per learn or compare call")
	flag.Parse()

	sys, err := synthetic.New(synthetic.Config{
		Target: *target,
		Seed:   *seed,
		Noise:  *noise,
		Delay:  *delay,
	}, naming.Pauli{})
	if err != nil {
		log.Fatalf("failed to build synthetic system: %v", err)
	}

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", *addr, err)
	}
	srv := grpc.NewServer()
	codec.RegisterWorkerServiceServer(srv, codec.NewServer(sys, sys))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Model search worker ready.")
	fmt.Printf("  Addr: %s | Target: %s\n", lis.Addr(), *target)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		done := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			srv.Stop()
		}
		return nil
	})
	if err := g.Wait(); err != nil && err != grpc.ErrServerStopped {
		log.Fatalf("worker server: %v", err)
	}
	log.Println("[WORKER] stopped")
}

// #endregion main

// #region helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envUint(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

// #endregion helpers
