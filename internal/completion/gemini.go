// Package completion provides the backends the chat controller sends turns
// to: the hosted Gemini API and the gRPC uplink relay.
package completion

import (
	"context"
	"fmt"
	"iter"

	"github.com/ashureev/agency-uplink/internal/chat"
	"google.golang.org/genai"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// Gemini opens chat sessions against the hosted Gemini API.
type Gemini struct {
	model        string
	systemPrompt string
	streaming    bool
}

// NewGemini returns a Gemini connector. Streaming selects SendMessageStream
// over SendMessage.
func NewGemini(model, systemPrompt string, streaming bool) *Gemini {
	if model == "" {
		model = DefaultGeminiModel
	}
	return &Gemini{model: model, systemPrompt: systemPrompt, streaming: streaming}
}

// Connect implements chat.Connector.
func (g *Gemini) Connect(ctx context.Context, credential string, history []chat.Turn) (chat.Session, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  credential,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	var cfg *genai.GenerateContentConfig
	if g.systemPrompt != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(g.systemPrompt, genai.RoleUser),
		}
	}

	session, err := client.Chats.Create(ctx, g.model, cfg, toContents(history))
	if err != nil {
		return nil, fmt.Errorf("create gemini chat: %w", err)
	}
	return &geminiSession{chat: session, streaming: g.streaming}, nil
}

type geminiSession struct {
	chat      *genai.Chat
	streaming bool
}

// Send implements chat.Session.
func (s *geminiSession) Send(ctx context.Context, text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !s.streaming {
			resp, err := s.chat.SendMessage(ctx, genai.Part{Text: text})
			if err != nil {
				yield("", err)
				return
			}
			if reason := blockedReason(resp); reason != "" {
				yield("", fmt.Errorf("response blocked: %s", reason))
				return
			}
			yield(resp.Text(), nil)
			return
		}

		for resp, err := range s.chat.SendMessageStream(ctx, genai.Part{Text: text}) {
			if err != nil {
				yield("", err)
				return
			}
			if reason := blockedReason(resp); reason != "" {
				yield("", fmt.Errorf("response blocked: %s", reason))
				return
			}
			chunk := resp.Text()
			if chunk == "" {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func toContents(history []chat.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, t := range history {
		role := genai.Role(genai.RoleUser)
		if t.Role == chat.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}
	return contents
}

// blockedReason reports why Gemini refused to answer, or "" if it did not.
func blockedReason(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return string(fb.BlockReason)
	}
	for _, c := range resp.Candidates {
		if c != nil && c.FinishReason == genai.FinishReasonSafety {
			return string(c.FinishReason)
		}
	}
	return ""
}
