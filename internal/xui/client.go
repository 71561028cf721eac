package xui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"winston-vpn/internal/vpnerr"
)

// ErrClientNotFound is returned by traffic lookups when the panel has no
// counters for the requested client.
var ErrClientNotFound = errors.New("client not found on panel")

type Options struct {
	Timeout          time.Duration
	FailureThreshold uint32
	OpenTimeout      time.Duration
	Logger           *zap.Logger
}

type Client struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client

	logger  *zap.Logger
	breaker *gobreaker.CircuitBreaker[*response]
}

type response struct {
	status  int
	body    []byte
	cookies []*http.Cookie
}

func NewClient(baseURL, username, password string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Username: username,
		Password: password,
		HTTPClient: &http.Client{
			Timeout: opts.Timeout,
		},
		logger: logger.Named("xui"),
	}
	c.breaker = gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        "xui-panel",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// Host is the hostname clients connect to, taken from the panel URL. It
// is empty when the URL is missing or has no host.
func (c *Client) Host() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// send performs one HTTP exchange. Transport failures and 5xx responses
// count against the circuit breaker; 4xx responses are returned to the
// caller untouched.
func (c *Client) send(ctx context.Context, method, endpoint string, body any, sess *Session) (*response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	resp, err := c.breaker.Execute(func() (*response, error) {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		sess.apply(req)

		start := time.Now()
		httpResp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer httpResp.Body.Close()

		respBody, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		c.logger.Debug("panel request",
			zap.String("method", method),
			zap.String("endpoint", endpoint),
			zap.Int("status", httpResp.StatusCode),
			zap.Duration("took", time.Since(start)),
		)

		r := &response{status: httpResp.StatusCode, body: respBody, cookies: httpResp.Cookies()}
		if httpResp.StatusCode >= 500 {
			return r, &vpnerr.APIError{Op: endpoint, Status: r.status, Message: "server error", Raw: string(respBody)}
		}
		return r, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("panel unavailable: %w", err)
	}
	return resp, err
}

// call sends an authenticated request and unwraps the response envelope.
// An empty session is filled by logging in first; a 401/403 triggers one
// re-login and retry.
func (c *Client) call(ctx context.Context, sess *Session, op, method, endpoint string, body any) (envelope, error) {
	if sess == nil {
		return envelope{}, &vpnerr.AuthError{Op: op, Err: errors.New("nil session")}
	}
	if !sess.Valid() {
		if err := c.refresh(ctx, sess); err != nil {
			return envelope{}, err
		}
	}

	resp, err := c.send(ctx, method, endpoint, body, sess)
	if err != nil {
		return envelope{}, withOp(err, op)
	}
	if isAuthStatus(resp.status) {
		c.logger.Info("panel session rejected, re-authenticating", zap.String("op", op))
		if err := c.refresh(ctx, sess); err != nil {
			return envelope{}, err
		}
		resp, err = c.send(ctx, method, endpoint, body, sess)
		if err != nil {
			return envelope{}, withOp(err, op)
		}
		if isAuthStatus(resp.status) {
			return envelope{}, &vpnerr.AuthError{Op: op, Err: fmt.Errorf("status %d after re-authentication", resp.status)}
		}
	}

	if resp.status >= 400 {
		return envelope{}, &vpnerr.APIError{Op: op, Status: resp.status, Message: http.StatusText(resp.status), Raw: string(resp.body)}
	}
	env, err := parseEnvelope(resp.body)
	if err != nil {
		return envelope{}, &vpnerr.APIError{Op: op, Status: resp.status, Message: fmt.Sprintf("malformed response: %v", err), Raw: string(resp.body)}
	}
	if !env.Success {
		return envelope{}, &vpnerr.APIError{Op: op, Status: resp.status, Message: env.Message, Raw: string(resp.body)}
	}
	return env, nil
}

func (c *Client) refresh(ctx context.Context, sess *Session) error {
	fresh, err := c.Authenticate(ctx)
	if err != nil {
		return err
	}
	*sess = *fresh
	return nil
}

func isAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func withOp(err error, op string) error {
	var apiErr *vpnerr.APIError
	if errors.As(err, &apiErr) {
		apiErr.Op = op
		return apiErr
	}
	return &vpnerr.APIError{Op: op, Message: err.Error()}
}

func (c *Client) ListInbounds(ctx context.Context, sess *Session) ([]Inbound, error) {
	env, err := c.call(ctx, sess, "list_inbounds", http.MethodGet, "/panel/api/inbounds/list", nil)
	if err != nil {
		return nil, err
	}
	if env.Obj == nil || env.Obj.Type() == fastjson.TypeNull {
		return nil, nil
	}
	if env.Obj.Type() != fastjson.TypeArray {
		return nil, &vpnerr.APIError{Op: "list_inbounds", Message: "expected an array of inbounds", Raw: env.Obj.String()}
	}
	items := env.Obj.GetArray()
	inbounds := make([]Inbound, 0, len(items))
	for _, item := range items {
		inbounds = append(inbounds, decodeInbound(item))
	}
	return inbounds, nil
}

func (c *Client) GetInbound(ctx context.Context, sess *Session, inboundID int) (*Inbound, error) {
	env, err := c.call(ctx, sess, "get_inbound", http.MethodGet, fmt.Sprintf("/panel/api/inbounds/get/%d", inboundID), nil)
	if err != nil {
		return nil, err
	}
	if env.Obj == nil || env.Obj.Type() != fastjson.TypeObject {
		return nil, vpnerr.NotFound("inbound", inboundID)
	}
	in := decodeInbound(env.Obj)
	return &in, nil
}

func (c *Client) AddClient(ctx context.Context, sess *Session, inboundID int, spec ClientSpec) error {
	body, err := clientBody(inboundID, spec)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, sess, "add_client", http.MethodPost, "/panel/api/inbounds/addClient", body)
	return err
}

func (c *Client) UpdateClient(ctx context.Context, sess *Session, inboundID int, spec ClientSpec) error {
	body, err := clientBody(inboundID, spec)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("/panel/api/inbounds/updateClient/%s", url.PathEscape(spec.ID))
	_, err = c.call(ctx, sess, "update_client", http.MethodPost, endpoint, body)
	return err
}

func (c *Client) DeleteClient(ctx context.Context, sess *Session, inboundID int, clientID string) error {
	endpoint := fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", inboundID, url.PathEscape(clientID))
	_, err := c.call(ctx, sess, "delete_client", http.MethodPost, endpoint, nil)
	return err
}

func (c *Client) ResetClientTraffic(ctx context.Context, sess *Session, inboundID int, email string) error {
	endpoint := fmt.Sprintf("/panel/api/inbounds/%d/resetClientTraffic/%s", inboundID, url.PathEscape(email))
	_, err := c.call(ctx, sess, "reset_client_traffic", http.MethodPost, endpoint, nil)
	return err
}

func (c *Client) ClientTrafficByEmail(ctx context.Context, sess *Session, email string) (Traffic, error) {
	endpoint := fmt.Sprintf("/panel/api/inbounds/getClientTraffics/%s", url.PathEscape(email))
	env, err := c.call(ctx, sess, "client_traffic_by_email", http.MethodGet, endpoint, nil)
	if err != nil {
		return Traffic{}, err
	}
	t, ok := decodeTrafficLookup(env.Obj, email)
	if !ok {
		return Traffic{}, ErrClientNotFound
	}
	return t, nil
}

func (c *Client) ClientTrafficByID(ctx context.Context, sess *Session, clientID string) (Traffic, error) {
	endpoint := fmt.Sprintf("/panel/api/inbounds/getClientTrafficsById/%s", url.PathEscape(clientID))
	env, err := c.call(ctx, sess, "client_traffic_by_id", http.MethodGet, endpoint, nil)
	if err != nil {
		return Traffic{}, err
	}
	t, ok := decodeTrafficLookup(env.Obj, "")
	if !ok {
		return Traffic{}, ErrClientNotFound
	}
	return t, nil
}

func clientBody(inboundID int, spec ClientSpec) (clientRequest, error) {
	settings, err := json.Marshal(clientSettings{Clients: []ClientSpec{spec}})
	if err != nil {
		return clientRequest{}, fmt.Errorf("failed to marshal client settings: %w", err)
	}
	return clientRequest{ID: inboundID, Settings: string(settings)}, nil
}
