package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rapidalle/rapidalle/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

const (
	captionSystemPrompt    = "You are a concise creative assistant. Write a short, vivid caption (2-3 sentences)."
	completionSystemPrompt = "You are a helpful assistant"
)

var (
	// ErrNoContent is returned when the chat completion has no usable text.
	ErrNoContent = errors.New("ai: no content")
	// ErrNoImage is returned when the image response carries no image.
	ErrNoImage = errors.New("ai: no image")
)

// CaptionRequest is the input of one caption call.
type CaptionRequest struct {
	Theme       string
	Description string
	Size        string
}

// ImageRequest is the input of one image call.
type ImageRequest struct {
	Theme       string
	Description string
	Size        string
}

// GeneratedImage is one image returned by the provider. Either URL or B64 is set.
type GeneratedImage struct {
	URL string
	B64 string
}

// Client calls an OpenAI-compatible API.
type Client struct {
	api             *openai.Client
	chatModel       string
	completionModel string
	imageModel      string
	imageQuality    string
	temperature     float32
	timeout         time.Duration
}

// NewClient builds a Client from cfg.
func NewClient(cfg config.OpenAIConfig) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}
	clientCfg.HTTPClient = &http.Client{}
	return &Client{
		api:             openai.NewClientWithConfig(clientCfg),
		chatModel:       cfg.ChatModel,
		completionModel: cfg.CompletionModel,
		imageModel:      cfg.ImageModel,
		imageQuality:    cfg.ImageQuality,
		temperature:     cfg.Temperature,
		timeout:         cfg.RequestTimeout,
	}
}

// Caption writes a short caption for the prompt.
func (c *Client) Caption(ctx context.Context, req CaptionRequest) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.chatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: captionSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: CaptionPrompt(req.Theme, req.Description, req.Size)},
		},
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("ai: caption: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrNoContent
	}
	return resp.Choices[0].Message.Content, nil
}

// Image generates exactly one image at the requested size.
func (c *Client) Image(ctx context.Context, req ImageRequest) (GeneratedImage, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.api.CreateImage(ctx, openai.ImageRequest{
		Prompt:  ImagePrompt(req.Theme, req.Description, req.Size),
		Model:   c.imageModel,
		N:       1,
		Size:    req.Size,
		Quality: c.imageQuality,
	})
	if err != nil {
		return GeneratedImage{}, fmt.Errorf("ai: image: %w", err)
	}
	if len(resp.Data) == 0 {
		return GeneratedImage{}, ErrNoImage
	}
	img := GeneratedImage{URL: resp.Data[0].URL, B64: resp.Data[0].B64JSON}
	if img.URL == "" && img.B64 == "" {
		return GeneratedImage{}, ErrNoImage
	}
	return img, nil
}

// Complete answers a free-form prompt with the completion model.
func (c *Client) Complete(ctx context.Context, content string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.completionModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: completionSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: content},
		},
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("ai: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoContent
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
