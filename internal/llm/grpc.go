package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/coursecraft/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// GenerateMethod is the full gRPC method name of the generation service.
const GenerateMethod = "/coursegen.v1.Generator/Generate"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errGenerateResponse         = errors.New("generate response returned error")
)

// GRPCConfig holds configuration for the gRPC generator client.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended to the defaults; tests use them to inject a dialer.
	DialOptions []grpc.DialOption
	// SkipReadyCheck disables the startup readiness probe.
	SkipReadyCheck bool
}

// DefaultGRPCConfig returns default configuration for addr.
func DefaultGRPCConfig(addr string) GRPCConfig {
	return GRPCConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCGenerator calls a remote generation service. Messages are
// google.protobuf.Struct so no generated stubs are required.
type GRPCGenerator struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewGRPCGenerator connects to the generation service at cfg.Address.
func NewGRPCGenerator(cfg GRPCConfig, logger *slog.Logger) (*GRPCGenerator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to generator at %s: %w", cfg.Address, err)
	}

	if !cfg.SkipReadyCheck {
		connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		defer cancel()
		if err := waitForReady(connectCtx, conn); err != nil {
			if closeErr := conn.Close(); closeErr != nil {
				logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
			}
			return nil, fmt.Errorf("generator at %s not ready: %w", cfg.Address, err)
		}
	}

	logger.Info("Connected to generation service", "address", cfg.Address)
	return &GRPCGenerator{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (g *GRPCGenerator) Close() {
	if g.conn != nil {
		if err := g.conn.Close(); err != nil {
			g.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Generate implements Generator. The response carries {content, error,
// message, tokens_used, structured?}; error=true maps to an upstream failure.
func (g *GRPCGenerator) Generate(ctx context.Context, prompt, purpose string, opts Options) (*Result, error) {
	req, err := structpb.NewStruct(map[string]any{
		"prompt":      prompt,
		"purpose":     purpose,
		"temperature": opts.Temperature,
		"max_tokens":  opts.MaxTokens,
		"json_mode":   opts.JSONMode,
	})
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, GenerateMethod, req, resp); err != nil {
		g.logger.Error("Generate call failed", "error", err, "address", g.addr)
		return nil, domain.Upstream("llm.Generate", "generation service call failed", err)
	}

	fields := resp.GetFields()
	if fields["error"].GetBoolValue() {
		msg := fields["message"].GetStringValue()
		if msg == "" {
			return nil, domain.Upstream("llm.Generate", "generation service returned an error", errGenerateResponse)
		}
		return nil, domain.Upstream("llm.Generate", "generation service returned an error", fmt.Errorf("%w: %s", errGenerateResponse, msg))
	}

	result := &Result{
		Content:    fields["content"].GetStringValue(),
		TokensUsed: int64(fields["tokens_used"].GetNumberValue()),
	}
	if s := fields["structured"].GetStructValue(); s != nil {
		b, err := s.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode structured payload: %w", err)
		}
		result.Structured = b
	}
	return result, nil
}
