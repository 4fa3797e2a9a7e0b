package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/JorgeAlan/tagers-platform-sub003/internal/airunner"
)

// ModelCall builds the production CallFunc against an OpenAI-compatible
// chat-completions endpoint. Configuration comes from the environment:
// MODEL_API_URL, MODEL_API_KEY and MODEL_NAME.
func ModelCall() airunner.CallFunc {
	baseURL := os.Getenv("MODEL_API_URL")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	apiKey := os.Getenv("MODEL_API_KEY")
	model := os.Getenv("MODEL_NAME")
	if model == "" {
		model = "gpt-4o-mini"
	}
	client := &http.Client{Timeout: 60 * time.Second}

	return func(ctx context.Context, messages []airunner.Message) (string, error) {
		body, err := json.Marshal(map[string]interface{}{
			"model":    model,
			"messages": messages,
		})
		if err != nil {
			return "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("model request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return "", err
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("model request: status %d: %s", resp.StatusCode, truncate(raw, 200))
		}

		var parsed struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return "", fmt.Errorf("decode model response: %w", err)
		}
		if len(parsed.Choices) == 0 {
			return "", fmt.Errorf("model response had no choices")
		}
		return parsed.Choices[0].Message.Content, nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
