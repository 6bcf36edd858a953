package gateway

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// ImageResponse is the raw image returned by an ImageModel.
type ImageResponse struct {
	Data     []byte
	MIMEType string
}

// ImageModel turns a text prompt into a single image.
type ImageModel interface {
	GenerateImage(ctx context.Context, prompt string) (ImageResponse, error)
}

// GeminiImageModel generates images with the Gemini API.
type GeminiImageModel struct {
	client *genai.Client
	model  string
}

// NewGeminiImageModel creates a Gemini API client for model. Call deadlines
// are set by the caller.
func NewGeminiImageModel(ctx context.Context, apiKey, model string) (*GeminiImageModel, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiImageModel{client: client, model: model}, nil
}

func (m *GeminiImageModel) GenerateImage(ctx context.Context, prompt string) (ImageResponse, error) {
	resp, err := m.client.Models.GenerateContent(ctx, m.model, genai.Text(prompt), nil)
	if err != nil {
		return ImageResponse{}, err
	}
	return firstInlineImage(resp)
}

// firstInlineImage returns the first inline-data part of the first candidate.
func firstInlineImage(resp *genai.GenerateContentResponse) (ImageResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return ImageResponse{}, ErrNoImage
	}
	cand := resp.Candidates[0]
	if cand == nil || cand.Content == nil {
		return ImageResponse{}, ErrNoImage
	}
	for _, part := range cand.Content.Parts {
		if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}
		return ImageResponse{Data: part.InlineData.Data, MIMEType: part.InlineData.MIMEType}, nil
	}
	return ImageResponse{}, ErrNoImage
}
