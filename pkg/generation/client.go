package generation

import (
	"context"
	"fmt"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// ClientConfig configures the OpenAI-compatible backend client.
type ClientConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxReplies int
}

// Client talks to an OpenAI-compatible chat-completion API and keeps
// one conversation context per message id, so retried attempts for the
// same message can build on earlier turns while concurrently processed
// messages never share mutable state.
type Client struct {
	client     *openai.Client
	model      string
	maxReplies int

	mu       sync.Mutex
	sessions map[int64][]openai.ChatCompletionMessage
}

// NewClient creates a generation client. An empty BaseURL uses the
// standard OpenAI endpoint; a custom one points the client at any
// compatible service.
func NewClient(cfg ClientConfig) *Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	maxReplies := cfg.MaxReplies
	if maxReplies <= 0 {
		maxReplies = 3
	}

	return &Client{
		client:     openai.NewClientWithConfig(config),
		model:      model,
		maxReplies: maxReplies,
		sessions:   make(map[int64][]openai.ChatCompletionMessage),
	}
}

// Generate produces up to MaxReplies candidate replies for the
// message. The caller owns the timeout via ctx.
func (c *Client) Generate(ctx context.Context, req Request) ([]string, error) {
	messages := c.sessionMessages(req)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   200,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response choices")
	}

	completion := resp.Choices[0].Message.Content
	replies := ParseReplies(completion, c.maxReplies)

	c.recordTurn(req.MessageID, messages, completion)

	return replies, nil
}

// CloseSession drops the conversation context for a message id. Safe
// to call for ids that never had a session.
func (c *Client) CloseSession(ctx context.Context, messageID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, messageID)
	return nil
}

// SessionCount reports how many conversation contexts are live.
func (c *Client) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// sessionMessages assembles the prompt for a request, reusing any
// prior turns recorded for the same message id.
func (c *Client) sessionMessages(req Request) []openai.ChatCompletionMessage {
	c.mu.Lock()
	history := c.sessions[req.MessageID]
	c.mu.Unlock()

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: SystemPrompt(req.Bucket, c.maxReplies),
	})
	messages = append(messages, history...)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: UserPrompt(req),
	})

	return messages
}

// recordTurn stores the user/assistant exchange for the message so a
// retried attempt sees the conversation so far. The system prompt is
// rebuilt per call and not stored.
func (c *Client) recordTurn(messageID int64, sent []openai.ChatCompletionMessage, completion string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	history := c.sessions[messageID]
	if len(sent) > 0 {
		history = append(history, sent[len(sent)-1])
	}
	history = append(history, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: completion,
	})
	c.sessions[messageID] = history
}
