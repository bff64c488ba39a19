package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sanjoekurian/sdpip-backend/internal/logger"
	"github.com/sanjoekurian/sdpip-backend/internal/types"
)

// OpenAIClient is the single generative-model interface shared by the
// analysis orchestrator and the chat session manager. Retry/backoff and the
// global concurrency limit live here so every caller gets the same policy.
type OpenAIClient interface {
	Complete(ctx context.Context, system string, user string, maxTokens int) (string, error)
	Model() string
}

type openAIClient struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client

	maxRetries int
	limiter    *semaphore.Weighted
}

func NewOpenAIClient(log *logger.Logger) (OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}

	baseURL := os.Getenv("OPENAI_BASE_URL")
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "openai/gpt-4o-mini"
	}

	timeoutSec := 120
	if v := os.Getenv("OPENAI_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	maxRetries := 4
	if v := os.Getenv("OPENAI_MAX_RETRIES"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed >= 0 {
			maxRetries = parsed
		}
	}

	maxConcurrent := int64(4)
	if v := os.Getenv("OPENAI_MAX_CONCURRENT"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			maxConcurrent = int64(parsed)
		}
	}

	return &openAIClient{
		log:        log.With("service", "OpenAIClient"),
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: maxRetries,
		limiter:    semaphore.NewWeighted(maxConcurrent),
	}, nil
}

func (c *openAIClient) Model() string { return c.model }

func classifyHTTP(code int, body string) *types.ModelCallError {
	msg := body
	if len(msg) > 512 {
		msg = msg[:512]
	}
	switch {
	case code == 401 || code == 403:
		return &types.ModelCallError{Kind: types.ModelErrAuth, StatusCode: code, Message: msg}
	case code == 408:
		return &types.ModelCallError{Kind: types.ModelErrTimeout, StatusCode: code, Message: msg}
	case code == 429:
		return &types.ModelCallError{Kind: types.ModelErrRateLimited, StatusCode: code, Message: msg}
	case code >= 500 && code <= 599:
		return &types.ModelCallError{Kind: types.ModelErrUpstream, StatusCode: code, Message: msg}
	default:
		return &types.ModelCallError{Kind: types.ModelErrMalformed, StatusCode: code, Message: msg}
	}
}

func jitterSleep(base time.Duration) time.Duration {
	// +/- 20%
	if base <= 0 {
		return 0
	}
	j := 0.2
	delta := base.Seconds() * j
	low := base.Seconds() - delta
	high := base.Seconds() + delta
	if low < 0 {
		low = 0
	}
	v := low + rand.Float64()*(high-low)
	return time.Duration(v * float64(time.Second))
}

type chatCompletionRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *openAIClient) doOnce(ctx context.Context, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil, &types.ModelCallError{Kind: types.ModelErrTimeout, Message: err.Error()}
		}
		return nil, nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, classifyHTTP(resp.StatusCode, string(raw))
	}
	return resp, raw, nil
}

func (c *openAIClient) do(ctx context.Context, body any, out any) error {
	// exponential backoff: 1s, 2s, 4s, 8s (cap ~10s)
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("model response decode error: %w", uErr)
			}
			return nil
		}

		// Non-transient (auth, malformed request, caller cancel): fail now.
		if !types.IsTransient(err) || ctx.Err() != nil {
			return err
		}
		if attempt == c.maxRetries {
			return err
		}

		// Respect Retry-After when present.
		sleepFor := backoff
		if resp != nil {
			ra := strings.TrimSpace(resp.Header.Get("Retry-After"))
			if ra != "" {
				if secs, parseErr := strconv.Atoi(ra); parseErr == nil && secs > 0 {
					sleepFor = time.Duration(secs) * time.Second
				}
			}
		}
		if sleepFor > 10*time.Second {
			sleepFor = 10 * time.Second
		}
		sleepFor = jitterSleep(sleepFor)

		c.log.Warn("Model request retrying",
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepFor):
		}
		backoff *= 2
	}

	return fmt.Errorf("unreachable retry loop")
}

// Complete issues one chat completion. The semaphore bounds in-flight model
// calls across every job and chat session; excess callers queue here.
func (c *openAIClient) Complete(ctx context.Context, system string, user string, maxTokens int) (string, error) {
	if strings.TrimSpace(user) == "" {
		return "", errors.New("empty prompt")
	}

	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.limiter.Release(1)

	req := chatCompletionRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		Temperature: 0.7,
	}
	if system != "" {
		req.Messages = append(req.Messages, struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{Role: "system", Content: system})
	}
	req.Messages = append(req.Messages, struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: "user", Content: user})

	var resp chatCompletionResponse
	if err := c.do(ctx, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &types.ModelCallError{Kind: types.ModelErrUpstream, Message: "no choices in completion response"}
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", &types.ModelCallError{Kind: types.ModelErrUpstream, Message: "empty completion content"}
	}
	return content, nil
}
