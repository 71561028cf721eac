package xui

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"winston-vpn/internal/vpnerr"
)

// Session holds the credential returned by /login. Cookie deployments set
// Cookie, token deployments set Token. A Session belongs to one run of
// work and is refreshed in place when the panel rejects it.
type Session struct {
	Cookie string
	Token  string
}

func (s *Session) Valid() bool {
	return s != nil && (s.Cookie != "" || s.Token != "")
}

func (s *Session) apply(req *http.Request) {
	if s == nil {
		return
	}
	if s.Cookie != "" {
		req.Header.Set("Cookie", s.Cookie)
	}
	if s.Token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.Token))
	}
}

func (c *Client) Authenticate(ctx context.Context) (*Session, error) {
	resp, err := c.send(ctx, http.MethodPost, "/login", loginRequest{
		Username: c.Username,
		Password: c.Password,
	}, nil)
	if err != nil {
		return nil, &vpnerr.AuthError{Op: "login", Err: err}
	}
	if resp.status >= 400 {
		return nil, &vpnerr.AuthError{Op: "login", Err: fmt.Errorf("status %d", resp.status)}
	}

	sess := &Session{}
	if cookies := resp.cookies; len(cookies) > 0 {
		sess.Cookie = fmt.Sprintf("%s=%s", cookies[0].Name, cookies[0].Value)
	}

	env, err := parseEnvelope(resp.body)
	if err == nil {
		if !env.Success {
			msg := env.Message
			if msg == "" {
				msg = "wrong credentials"
			}
			return nil, &vpnerr.AuthError{Op: "login", Err: errors.New(msg)}
		}
		if env.Obj != nil {
			sess.Token = looseString(env.Obj.Get("token"))
		}
	}

	if !sess.Valid() {
		return nil, &vpnerr.AuthError{Op: "login", Err: errors.New("no session cookie or token in response")}
	}
	c.logger.Debug("panel session established", zap.Bool("cookie", sess.Cookie != ""), zap.Bool("token", sess.Token != ""))
	return sess, nil
}
