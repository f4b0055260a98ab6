package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agency-uplink/internal/chat"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// UplinkConfig holds configuration for the uplink gRPC client.
type UplinkConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended to the defaults; tests use them to dial bufconn.
	DialOptions []grpc.DialOption
}

// DefaultUplinkConfig returns default configuration.
func DefaultUplinkConfig(addr string) UplinkConfig {
	return UplinkConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   60 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Uplink connects chat sessions to a completion relay over gRPC.
type Uplink struct {
	conn   *grpc.ClientConn
	cfg    UplinkConfig
	logger *slog.Logger
}

// DialUplink creates the client and waits for the relay to become ready so
// startup fails fast on a bad address.
func DialUplink(cfg UplinkConfig, logger *slog.Logger) (*Uplink, error) {
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
		return nil, fmt.Errorf("failed to create uplink client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close uplink connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("uplink relay at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to uplink relay", "address", cfg.Address)
	return &Uplink{conn: conn, cfg: cfg, logger: logger}, nil
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

// State reports the connection state for health checks.
func (u *Uplink) State() string {
	return u.conn.GetState().String()
}

// Close closes the gRPC connection.
func (u *Uplink) Close() {
	if u.conn != nil {
		if err := u.conn.Close(); err != nil {
			u.logger.Warn("failed to close uplink connection", "error", err)
		}
	}
}

// SuppliesCredential implements chat.CredentialSupplier. Turns without a
// visitor or site key are sent anyway and the relay applies its own.
func (u *Uplink) SuppliesCredential() bool { return true }

// Connect implements chat.Connector. The relay is stateless; the session
// keeps the history and replays it with every turn.
func (u *Uplink) Connect(_ context.Context, credential string, history []chat.Turn) (chat.Session, error) {
	return &uplinkSession{
		uplink:     u,
		credential: credential,
		history:    append([]chat.Turn(nil), history...),
	}, nil
}

type uplinkSession struct {
	uplink     *Uplink
	credential string

	mu      sync.Mutex
	history []chat.Turn
}

// Send implements chat.Session.
func (s *uplinkSession) Send(ctx context.Context, text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s.mu.Lock()
		history := append([]chat.Turn(nil), s.history...)
		s.mu.Unlock()

		req, err := encodeTurnRequest(text, history)
		if err != nil {
			yield("", err)
			return
		}

		var cancel context.CancelFunc
		if t := s.uplink.cfg.RequestTimeout; t > 0 {
			ctx, cancel = context.WithTimeout(ctx, t)
		} else {
			ctx, cancel = context.WithCancel(ctx)
		}
		defer cancel()
		ctx = metadata.AppendToOutgoingContext(ctx, credentialHeader, s.credential)

		stream, err := s.uplink.conn.NewStream(ctx, &streamTurnDesc, streamTurnMethod)
		if err != nil {
			yield("", fmt.Errorf("uplink request failed: %w", relayError(err)))
			return
		}
		if err := stream.SendMsg(req); err != nil {
			yield("", fmt.Errorf("uplink request failed: %w", relayError(err)))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield("", fmt.Errorf("uplink request failed: %w", relayError(err)))
			return
		}

		var reply strings.Builder
		for {
			chunk := new(wrapperspb.StringValue)
			err := stream.RecvMsg(chunk)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield("", fmt.Errorf("uplink stream error: %w", relayError(err)))
				return
			}
			reply.WriteString(chunk.GetValue())
			if !yield(chunk.GetValue(), nil) {
				return
			}
		}

		s.mu.Lock()
		s.history = append(s.history,
			chat.Turn{Role: chat.RoleUser, Text: text},
			chat.Turn{Role: chat.RoleAssistant, Text: reply.String()},
		)
		s.mu.Unlock()
	}
}

// rpcError keeps the gRPC status text for classification and exposes the
// relay's message as the description shown to visitors.
type rpcError struct {
	st *status.Status
}

func relayError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	return &rpcError{st: st}
}

func (e *rpcError) Error() string { return e.st.Err().Error() }

func (e *rpcError) Description() string { return e.st.Message() }

func (e *rpcError) GRPCStatus() *status.Status { return e.st }
