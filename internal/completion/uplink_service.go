package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/agency-uplink/internal/chat"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The uplink relay protocol is a single server-streaming method. Requests
// are a Struct {text, history: [{role, text}]}; the reply streams as
// StringValue chunks. The credential travels in request metadata.
const (
	uplinkServiceName = "agency.uplink.v1.Completion"
	streamTurnMethod  = "/" + uplinkServiceName + "/StreamTurn"
	credentialHeader  = "x-uplink-credential"
)

var errEmptyTurn = errors.New("turn text is empty")

var streamTurnDesc = grpc.StreamDesc{
	StreamName:    "StreamTurn",
	ServerStreams: true,
}

// TurnRequest is one relayed user turn.
type TurnRequest struct {
	Credential string
	Text       string
	History    []chat.Turn
}

// CompletionServer answers relayed turns.
type CompletionServer interface {
	StreamTurn(ctx context.Context, req TurnRequest, send func(chunk string) error) error
}

var completionServiceDesc = grpc.ServiceDesc{
	ServiceName: uplinkServiceName,
	HandlerType: (*CompletionServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamTurn",
		Handler:       streamTurnHandler,
		ServerStreams: true,
	}},
	Metadata: "agency/uplink/v1/completion.proto",
}

// RegisterCompletionServer exposes srv on a gRPC server.
func RegisterCompletionServer(s grpc.ServiceRegistrar, srv CompletionServer) {
	s.RegisterService(&completionServiceDesc, srv)
}

func streamTurnHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	req, err := decodeTurnRequest(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		if vals := md.Get(credentialHeader); len(vals) > 0 {
			req.Credential = vals[0]
		}
	}
	return srv.(CompletionServer).StreamTurn(stream.Context(), req, func(chunk string) error {
		return stream.SendMsg(wrapperspb.String(chunk))
	})
}

func encodeTurnRequest(text string, history []chat.Turn) (*structpb.Struct, error) {
	turns := make([]any, 0, len(history))
	for _, t := range history {
		turns = append(turns, map[string]any{"role": string(t.Role), "text": t.Text})
	}
	s, err := structpb.NewStruct(map[string]any{
		"text":    text,
		"history": turns,
	})
	if err != nil {
		return nil, fmt.Errorf("encode turn request: %w", err)
	}
	return s, nil
}

func decodeTurnRequest(s *structpb.Struct) (TurnRequest, error) {
	fields := s.GetFields()
	req := TurnRequest{Text: fields["text"].GetStringValue()}
	if strings.TrimSpace(req.Text) == "" {
		return TurnRequest{}, errEmptyTurn
	}
	for i, v := range fields["history"].GetListValue().GetValues() {
		turn := v.GetStructValue().GetFields()
		role := chat.Role(turn["role"].GetStringValue())
		if role != chat.RoleUser && role != chat.RoleAssistant {
			return TurnRequest{}, fmt.Errorf("history[%d]: unknown role %q", i, role)
		}
		req.History = append(req.History, chat.Turn{Role: role, Text: turn["text"].GetStringValue()})
	}
	return req, nil
}

// Relay serves the uplink protocol from any chat.Connector, typically Gemini.
type Relay struct {
	connector  chat.Connector
	credential string
	logger     *slog.Logger
}

// NewRelay returns a relay. credential is used for callers that do not
// send their own.
func NewRelay(connector chat.Connector, credential string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{connector: connector, credential: credential, logger: logger}
}

// StreamTurn implements CompletionServer.
func (r *Relay) StreamTurn(ctx context.Context, req TurnRequest, send func(string) error) error {
	credential := req.Credential
	if credential == "" {
		credential = r.credential
	}
	if credential == "" {
		return status.Error(codes.Unauthenticated, "no credential supplied")
	}

	session, err := r.connector.Connect(ctx, credential, req.History)
	if err != nil {
		r.logger.Warn("relay connect failed", "error", err)
		return status.Error(codes.Unavailable, chat.Describe(err))
	}
	if cl, ok := session.(chat.Closer); ok {
		defer func() {
			if err := cl.Close(); err != nil {
				r.logger.Debug("failed to close relayed session", "error", err)
			}
		}()
	}

	chunks := 0
	for chunk, err := range session.Send(ctx, req.Text) {
		if err != nil {
			r.logger.Warn("relay turn failed", "error", err, "chunks", chunks)
			if ctx.Err() != nil {
				return status.FromContextError(ctx.Err()).Err()
			}
			return status.Error(codes.Unavailable, chat.Describe(err))
		}
		if err := send(chunk); err != nil {
			return err
		}
		chunks++
	}
	r.logger.Debug("relay turn completed", "chunks", chunks, "history_turns", len(req.History))
	return nil
}
