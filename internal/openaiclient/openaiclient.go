// Package openaiclient implements the VisionClient port (internal/vision)
// against the OpenAI chat completions vision endpoint. Grounded on
// original_source/service/app/converters/image_describer.py's
// _get_image_description: same model, same system/user prompt shape, same
// data-URL image encoding, translated from the openai Python SDK to a
// plain net/http POST since no Go OpenAI SDK appears anywhere in the
// example pack.
package openaiclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/vision"
)

const (
	defaultBaseURL = "https://api.openai.com/v1/chat/completions"
	defaultModel   = "gpt-4o-mini"
	maxTokens      = 500
)

const systemPrompt = `You are an expert at describing images in documents.
Your task is to provide a clear, concise description of the image that helps
someone understand what the image shows and how it relates to the surrounding text.

Keep descriptions factual and focused. If the image contains text, include the
key textual content. If it's a diagram, chart, or figure, describe what it shows.
For photos, describe the subject matter.`

// Client calls the OpenAI vision-capable chat completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func New(apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: timeout},
	}
}

var _ vision.Client = (*Client)(nil)

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Describe implements vision.Client.
func (c *Client) Describe(ctx context.Context, imageBytes []byte, mediaType, contextBefore, contextAfter string) (string, *vision.Failure) {
	userPrompt := buildUserPrompt(contextBefore, contextAfter)
	dataURL := fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(imageBytes))

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: userPrompt},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL, Detail: "auto"}},
			}},
		},
		MaxTokens: maxTokens,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", &vision.Failure{Outcome: vision.OutcomeFatal, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", &vision.Failure{Outcome: vision.OutcomeFatal, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &vision.Failure{Outcome: vision.OutcomeTransient, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &vision.Failure{Outcome: vision.OutcomeTransient, Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &vision.Failure{Outcome: vision.OutcomeRateLimited, Err: fmt.Errorf("rate limited: %s", string(raw))}
	}
	if resp.StatusCode >= 500 {
		return "", &vision.Failure{Outcome: vision.OutcomeTransient, Err: fmt.Errorf("server error %d: %s", resp.StatusCode, string(raw))}
	}
	if resp.StatusCode >= 400 {
		return "", &vision.Failure{Outcome: vision.OutcomeFatal, Err: fmt.Errorf("client error %d: %s", resp.StatusCode, string(raw))}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &vision.Failure{Outcome: vision.OutcomeTransient, Err: err}
	}
	if parsed.Error != nil {
		return "", &vision.Failure{Outcome: vision.OutcomeTransient, Err: fmt.Errorf("%s", parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "No description available", nil
	}
	return parsed.Choices[0].Message.Content, nil
}

func buildUserPrompt(contextBefore, contextAfter string) string {
	var context string
	if contextBefore != "" {
		context += fmt.Sprintf("Text before the image: %s\n\n", contextBefore)
	}
	if contextAfter != "" {
		context += fmt.Sprintf("Text after the image: %s\n\n", contextAfter)
	}
	return fmt.Sprintf("Please describe this image from a document.\n\n%sProvide a clear, concise description of what the image shows.", context)
}
