package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/Edwinexd/vival/internal/config"
	"github.com/Edwinexd/vival/internal/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

const (
	ConversationStatusInitiated  = "initiated"
	ConversationStatusInProgress = "in-progress"
	ConversationStatusProcessing = "processing"
	ConversationStatusDone       = "done"
	ConversationStatusFailed     = "failed"
)

type Conversation struct {
	ID         string                  `json:"conversation_id"`
	Status     string                  `json:"status"`
	Transcript []models.TranscriptTurn `json:"transcript"`
	Metadata   ConversationMetadata    `json:"metadata"`
}

type ConversationMetadata struct {
	StartTimeUnixSecs int64 `json:"start_time_unix_secs"`
	CallDurationSecs  int   `json:"call_duration_secs"`
}

func (c *Conversation) Done() bool   { return c.Status == ConversationStatusDone }
func (c *Conversation) Failed() bool { return c.Status == ConversationStatusFailed }

type VoiceClient interface {
	GetSignedURL(ctx context.Context) (string, error)
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
	GetAudio(ctx context.Context, conversationID string) (io.ReadCloser, int64, error)
}

type voiceClient struct {
	baseURL    string
	apiKey     string
	agentID    string
	retryCount int
	retryDelay time.Duration
	client     *http.Client
	logger     zerolog.Logger
}

func NewVoiceClient(cfg config.VoiceConfig, logger zerolog.Logger) VoiceClient {
	return &voiceClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		agentID:    cfg.AgentID,
		retryCount: cfg.RetryCount,
		retryDelay: cfg.RetryDelay,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

func (c *voiceClient) GetSignedURL(ctx context.Context) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/convai/conversation/get-signed-url?agent_id=%s", c.baseURL, url.QueryEscape(c.agentID))

	var out struct {
		SignedURL string `json:"signed_url"`
	}
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return "", err
	}
	if out.SignedURL == "" {
		return "", errors.New("voice provider returned an empty signed url")
	}
	return out.SignedURL, nil
}

func (c *voiceClient) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	endpoint := fmt.Sprintf("%s/v1/convai/conversations/%s", c.baseURL, url.PathEscape(conversationID))

	var conv Conversation
	if err := c.getJSON(ctx, endpoint, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetAudio streams the conversation recording. The caller closes the body.
// Size is -1 when the provider does not send a content length.
func (c *voiceClient) GetAudio(ctx context.Context, conversationID string) (io.ReadCloser, int64, error) {
	endpoint := fmt.Sprintf("%s/v1/convai/conversations/%s/audio", c.baseURL, url.PathEscape(conversationID))

	resp, err := c.do(ctx, endpoint)
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *voiceClient) getJSON(ctx context.Context, endpoint string, dst interface{}) error {
	resp, err := c.do(ctx, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode voice response: %w", err)
	}
	return nil
}

// do issues a GET with linear backoff and returns the
// response only for a 200. 404 is not retried.
func (c *voiceClient) do(ctx context.Context, endpoint string) (*http.Response, error) {
	var lastErr error

	for i := 0; i <= c.retryCount; i++ {
		if i > 0 {
			c.logger.Warn().Int("attempt", i).Str("endpoint", endpoint).Msg("Retrying voice provider request")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(i)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("xi-api-key", c.apiKey)

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("voice provider request failed: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrConversationNotFound
		}
		lastErr = fmt.Errorf("voice provider returned status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, lastErr
		}
	}

	return nil, fmt.Errorf("voice provider unavailable after %d attempts: %w", c.retryCount+1, lastErr)
}
