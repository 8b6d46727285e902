package provisioner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/antoniostano/voicewidget/internal/reliability"
)

// ErrMissingCredential is returned when no server credential is configured.
var ErrMissingCredential = errors.New("provider credential is not configured")

// Call is a provisioned upstream web call.
type Call struct {
	CallID      string `json:"callId"`
	AccessToken string `json:"accessToken"`
}

// ProviderError describes a failed create-call attempt. Status is zero when
// the request never produced an HTTP response.
type ProviderError struct {
	Status int
	Body   string
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider status %d: %s", e.Status, strings.TrimSpace(e.Body))
	}
	if e.Err != nil {
		return "provider request failed: " + e.Err.Error()
	}
	return "provider request failed"
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Timeout reports whether the upstream call exceeded its deadline.
func (e *ProviderError) Timeout() bool {
	if e.Err == nil {
		return false
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// Retryable reports whether a fresh attempt could succeed.
func (e *ProviderError) Retryable() bool {
	if errors.Is(e.Err, ErrMissingCredential) || errors.Is(e.Err, context.Canceled) {
		return false
	}
	if e.Status != 0 {
		return reliability.IsRetryableHTTPStatus(e.Status)
	}
	return true
}

// Code is a short label for metrics and logs.
func (e *ProviderError) Code() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("%d", e.Status)
	case e.Timeout():
		return "timeout"
	case errors.Is(e.Err, ErrMissingCredential):
		return "no_credential"
	default:
		return "transport"
	}
}

// IsRetryable is the reliability.Do classifier for CreateCall errors.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable()
}

type Options struct {
	BaseURL string
	Path    string
	APIKey  string
	Timeout time.Duration
}

// Client creates web calls against the Retell API using the server-held key.
type Client struct {
	http   *resty.Client
	path   string
	apiKey string
}

func NewClient(opts Options) *Client {
	path := opts.Path
	if path == "" {
		path = "/v2/create-web-call"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json").
			SetTimeout(timeout),
		path:   path,
		apiKey: strings.TrimSpace(opts.APIKey),
	}
}

type createCallRequest struct {
	AgentID  string         `json:"agent_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type createCallResponse struct {
	CallID      string `json:"call_id"`
	AccessToken string `json:"access_token"`
}

// CreateCall issues exactly one upstream request. Every failure is a
// *ProviderError.
func (c *Client) CreateCall(ctx context.Context, agentID string, metadata map[string]any) (Call, error) {
	if c.apiKey == "" {
		return Call{}, &ProviderError{Err: ErrMissingCredential}
	}

	var out createCallResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.apiKey).
		SetBody(createCallRequest{AgentID: agentID, Metadata: metadata}).
		SetResult(&out).
		Post(c.path)
	if err != nil {
		return Call{}, &ProviderError{Err: err}
	}
	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return Call{}, &ProviderError{Status: resp.StatusCode(), Body: resp.String()}
	}
	if out.CallID == "" || out.AccessToken == "" {
		return Call{}, &ProviderError{
			Status: resp.StatusCode(),
			Body:   resp.String(),
			Err:    errors.New("response missing call_id or access_token"),
		}
	}
	return Call{CallID: out.CallID, AccessToken: out.AccessToken}, nil
}
