// Package ai adapts the configured chat-model providers behind one
// streaming interface.
package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"aprilgo/internal/config"
	"aprilgo/internal/models"
)

const defaultMaxTokens = 2048

// Service drives one configured chat-model provider.
type Service struct {
	chatModel model.BaseChatModel
	provider  string
	log       *zap.Logger
}

// modelFactory builds a provider-specific chat model from its config block.
type modelFactory func(ctx context.Context, cfg config.ProviderConfig) (model.BaseChatModel, error)

var factories = map[string]modelFactory{
	"openai": newOpenAIModel,
	"gemini": newGeminiModel,
	"claude": newClaudeModel,
}

// NewService builds the chat model named by provider from the app config.
func NewService(ctx context.Context, cfg *config.Config, provider string, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", provider)
	}
	factory, ok := factories[provider]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
	cm, err := factory(ctx, pCfg)
	if err != nil {
		return nil, fmt.Errorf("init %s model: %w", provider, err)
	}
	return &Service{chatModel: cm, provider: provider, log: log}, nil
}

func newOpenAIModel(ctx context.Context, cfg config.ProviderConfig) (model.BaseChatModel, error) {
	return openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
	})
}

func newGeminiModel(ctx context.Context, cfg config.ProviderConfig) (model.BaseChatModel, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return gemini.NewChatModel(ctx, &gemini.Config{
		Client: client,
		Model:  cfg.Model,
	})
}

func newClaudeModel(ctx context.Context, cfg config.ProviderConfig) (model.BaseChatModel, error) {
	c := &claude.Config{
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		MaxTokens: defaultMaxTokens,
	}
	if cfg.BaseURL != "" {
		c.BaseURL = &cfg.BaseURL
	}
	return claude.NewChatModel(ctx, c)
}

// StreamChat streams a reply for the conversation, invoking onDelta for each
// chunk, and returns the accumulated text. When the newest user turn carries
// in-memory image data, the image rides along as a multimodal part.
func (s *Service) StreamChat(ctx context.Context, systemPrompt string, history []*models.Message, image *models.LocalFile, onDelta func(string) error) (string, error) {
	msgs := toSchemaMessages(systemPrompt, history, image)

	reader, err := s.chatModel.Stream(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("stream chat: %w", err)
	}
	defer reader.Close()

	var sb strings.Builder
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("recv chunk: %w", err)
		}
		if chunk.Content == "" {
			continue
		}
		sb.WriteString(chunk.Content)
		if onDelta != nil {
			if err := onDelta(chunk.Content); err != nil {
				return "", err
			}
		}
	}
	return sb.String(), nil
}

// GenerateTitle produces a short conversation title from the opening turn.
func (s *Service) GenerateTitle(ctx context.Context, firstMessage string) (string, error) {
	out, err := s.chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage("Summarize the user's message as a conversation title of at most six words. Reply with the title only."),
		schema.UserMessage(firstMessage),
	})
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	return strings.Trim(strings.TrimSpace(out.Content), `"`), nil
}

func toSchemaMessages(systemPrompt string, history []*models.Message, image *models.LocalFile) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(history)+1)
	if systemPrompt != "" {
		msgs = append(msgs, schema.SystemMessage(systemPrompt))
	}
	lastUser := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			lastUser = i
			break
		}
	}
	for i, m := range history {
		switch m.Role {
		case models.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(m.Content, nil))
		case models.RoleSystem:
			msgs = append(msgs, schema.SystemMessage(m.Content))
		default:
			if i == lastUser && image != nil {
				msgs = append(msgs, userMessageWithImage(m.Content, image))
				continue
			}
			msgs = append(msgs, schema.UserMessage(m.Content))
		}
	}
	return msgs
}

func userMessageWithImage(content string, image *models.LocalFile) *schema.Message {
	dataURL := fmt.Sprintf("data:%s;base64,%s",
		image.ContentType, base64.StdEncoding.EncodeToString(image.Data))
	parts := []schema.ChatMessagePart{
		{
			Type: schema.ChatMessagePartTypeImageURL,
			ImageURL: &schema.ChatMessageImageURL{
				URL:      dataURL,
				MIMEType: image.ContentType,
			},
		},
	}
	if content != "" {
		parts = append(parts, schema.ChatMessagePart{
			Type: schema.ChatMessagePartTypeText,
			Text: content,
		})
	}
	return &schema.Message{Role: schema.User, MultiContent: parts}
}
