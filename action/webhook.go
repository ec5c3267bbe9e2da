package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mohitkumar/fleetrules/logger"
	"github.com/mohitkumar/fleetrules/model"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const webhookSchema = `{
	"type": "object",
	"properties": {
		"url": {"type": "string", "pattern": "^https?://"},
		"method": {"type": "string", "enum": ["POST", "PUT", "PATCH", "post", "put", "patch"]},
		"headers": {"type": "object", "additionalProperties": {"type": "string"}},
		"body": {},
		"timeout_seconds": {"type": "number", "exclusiveMinimum": 0, "maximum": 300}
	},
	"required": ["url"]
}`

const MAX_RESPONSE_BYTES = 64 << 10

type WebhookConfig struct {
	Timeout                 time.Duration `mapstructure:"timeout"`
	BreakerMaxRequests      uint32        `mapstructure:"breaker_max_requests"`
	BreakerInterval         time.Duration `mapstructure:"breaker_interval"`
	BreakerOpenTimeout      time.Duration `mapstructure:"breaker_open_timeout"`
	BreakerFailureThreshold uint32        `mapstructure:"breaker_failure_threshold"`
}

func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Timeout:                 10 * time.Second,
		BreakerMaxRequests:      1,
		BreakerInterval:         time.Minute,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerFailureThreshold: 5,
	}
}

type WebhookRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    any
	Timeout time.Duration
}

type WebhookResponse struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

type WebhookClient interface {
	Call(ctx context.Context, req WebhookRequest) (*WebhookResponse, error)
}

type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook responded with status %d", e.StatusCode)
}

var _ WebhookClient = new(HTTPWebhookClient)

// HTTPWebhookClient calls webhooks over HTTP. Each host gets its own circuit
// breaker so one failing endpoint does not slow the others.
type HTTPWebhookClient struct {
	conf     WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewHTTPWebhookClient(conf WebhookConfig) *HTTPWebhookClient {
	def := DefaultWebhookConfig()
	if conf.Timeout <= 0 {
		conf.Timeout = def.Timeout
	}
	if conf.BreakerMaxRequests == 0 {
		conf.BreakerMaxRequests = def.BreakerMaxRequests
	}
	if conf.BreakerInterval <= 0 {
		conf.BreakerInterval = def.BreakerInterval
	}
	if conf.BreakerOpenTimeout <= 0 {
		conf.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if conf.BreakerFailureThreshold == 0 {
		conf.BreakerFailureThreshold = def.BreakerFailureThreshold
	}
	return &HTTPWebhookClient{
		conf:     conf,
		client:   &http.Client{Timeout: conf.Timeout},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *HTTPWebhookClient) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[host]
	if ok {
		return cb
	}
	threshold := c.conf.BreakerFailureThreshold
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: c.conf.BreakerMaxRequests,
		Interval:    c.conf.BreakerInterval,
		Timeout:     c.conf.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("webhook circuit breaker state changed", zap.String("host", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	c.breakers[host] = cb
	return cb
}

func (c *HTTPWebhookClient) Call(ctx context.Context, req WebhookRequest) (*WebhookResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil || len(u.Host) == 0 {
		return nil, fmt.Errorf("invalid webhook url %q", req.URL)
	}
	method := strings.ToUpper(req.Method)
	if len(method) == 0 {
		method = http.MethodPost
	}
	var body io.Reader
	if req.Body != nil {
		switch b := req.Body.(type) {
		case string:
			body = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("encoding webhook body: %w", err)
			}
			body = bytes.NewReader(data)
		}
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	res, err := c.breaker(u.Host).Execute(func() (interface{}, error) {
		resp, err := c.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, MAX_RESPONSE_BYTES))
		out := &WebhookResponse{StatusCode: resp.StatusCode, Body: string(data)}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return out, &StatusError{StatusCode: resp.StatusCode, Body: out.Body}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*WebhookResponse), nil
}

var _ Action = new(webhookAction)

type webhookAction struct {
	baseAction
	client WebhookClient
}

func NewWebhookAction(client WebhookClient) *webhookAction {
	return &webhookAction{
		baseAction: newBaseAction(model.ACTION_CALL_WEBHOOK, webhookSchema),
		client:     client,
	}
}

func (a *webhookAction) Execute(ctx context.Context, def model.Action, params map[string]any, actx *Context) (map[string]any, error) {
	if a.client == nil {
		return nil, fmt.Errorf("no webhook client configured")
	}
	req := WebhookRequest{
		URL:    stringParam(params, "url"),
		Method: stringParam(params, "method"),
		Body:   params["body"],
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		req.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			req.Headers[k] = fmt.Sprintf("%v", v)
		}
	}
	if secs, ok := params["timeout_seconds"].(float64); ok {
		req.Timeout = time.Duration(secs * float64(time.Second))
	}
	resp, err := a.client.Call(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("calling webhook %s: %w", req.URL, err)
	}
	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        resp.Body,
	}, nil
}
