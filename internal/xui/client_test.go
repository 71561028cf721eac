package xui_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"winston-vpn/internal/vpnerr"
	"winston-vpn/internal/xui"
	"winston-vpn/internal/xui/xuitest"
)

func newClient(p *xuitest.Panel) *xui.Client {
	return xui.NewClient(p.URL(), p.Username, p.Password, xui.Options{})
}

func TestAuthenticateCookie(t *testing.T) {
	panel := xuitest.New(t)
	sess, err := newClient(panel).Authenticate(context.Background())
	require.NoError(t, err)
	require.Contains(t, sess.Cookie, "3x-ui=")
	require.Empty(t, sess.Token)
}

func TestAuthenticateToken(t *testing.T) {
	panel := xuitest.New(t)
	panel.TokenAuth = true
	sess, err := newClient(panel).Authenticate(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, sess.Token)
	require.Empty(t, sess.Cookie)
}

func TestAuthenticateWrongPassword(t *testing.T) {
	panel := xuitest.New(t)
	client := xui.NewClient(panel.URL(), "admin", "nope", xui.Options{})

	_, err := client.Authenticate(context.Background())
	var authErr *vpnerr.AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestAuthenticateWithoutCredentialInResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"msg":"ok","obj":null}`))
	}))
	defer srv.Close()

	_, err := xui.NewClient(srv.URL, "u", "p", xui.Options{}).Authenticate(context.Background())
	var authErr *vpnerr.AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestGetInboundDecodesStringSettings(t *testing.T) {
	panel := xuitest.New(t)
	panel.AddRealityInbound(3, 443)
	client := newClient(panel)
	sess := &xui.Session{}

	require.NoError(t, client.AddClient(context.Background(), sess, 3, xui.ClientSpec{
		ID: "c1", Email: "tg_1_1", Flow: xui.FlowVision, Enable: true, TotalGB: 1024,
	}))

	in, err := client.GetInbound(context.Background(), sess, 3)
	require.NoError(t, err)
	require.Equal(t, "vless", in.Protocol)
	require.Equal(t, 443, in.Port)
	require.Equal(t, "tcp", in.Stream.Network)
	require.Equal(t, "reality", in.Stream.Security)
	require.NotNil(t, in.Stream.Reality)
	require.Equal(t, "pubkey123", in.Stream.Reality.PublicKey)
	require.Equal(t, []string{"www.example.com"}, in.Stream.Reality.ServerNames)

	c, ok := in.FindClient("", "tg_1_1")
	require.True(t, ok)
	require.Equal(t, "c1", c.ID)
	require.Equal(t, int64(1024), c.TotalGB)
}

func TestGetInboundDecodesObjectSettings(t *testing.T) {
	panel := xuitest.New(t)
	panel.SettingsAsObject = true
	panel.AddRealityInbound(3, 443)
	client := newClient(panel)

	in, err := client.GetInbound(context.Background(), &xui.Session{}, 3)
	require.NoError(t, err)
	require.Equal(t, "reality", in.Stream.Security)
	require.Equal(t, "ab12", in.Stream.Reality.ShortIDs[0])
}

func TestListInbounds(t *testing.T) {
	panel := xuitest.New(t)
	panel.AddRealityInbound(1, 443)
	panel.AddInbound(xuitest.Inbound{ID: 2, Port: 8443, Protocol: "trojan", Network: "tcp"})

	inbounds, err := newClient(panel).ListInbounds(context.Background(), &xui.Session{})
	require.NoError(t, err)
	require.Len(t, inbounds, 2)
}

func TestReauthenticatesOnceOnUnauthorized(t *testing.T) {
	panel := xuitest.New(t)
	panel.AddRealityInbound(1, 443)
	client := newClient(panel)
	sess := &xui.Session{}

	_, err := client.GetInbound(context.Background(), sess, 1)
	require.NoError(t, err)
	old := sess.Cookie

	panel.ExpireSessions()
	_, err = client.GetInbound(context.Background(), sess, 1)
	require.NoError(t, err)
	require.NotEqual(t, old, sess.Cookie)
	require.Equal(t, 2, panel.Calls(xuitest.OpLogin))
}

func TestSecondUnauthorizedIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "x"})
			_, _ = w.Write([]byte(`{"success":true}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := xui.NewClient(srv.URL, "u", "p", xui.Options{}).ListInbounds(context.Background(), &xui.Session{})
	var authErr *vpnerr.AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestSuccessFalseIsAPIError(t *testing.T) {
	panel := xuitest.New(t)
	panel.AddRealityInbound(1, 443)
	panel.FailNext(xuitest.OpAddClient, http.StatusOK)

	err := newClient(panel).AddClient(context.Background(), &xui.Session{}, 1, xui.ClientSpec{ID: "c", Email: "e"})
	var apiErr *vpnerr.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "add_client", apiErr.Op)
	require.Equal(t, "injected failure", apiErr.Message)
}

func TestServerErrorIsAPIError(t *testing.T) {
	panel := xuitest.New(t)
	panel.FailNext(xuitest.OpList, http.StatusBadGateway)

	_, err := newClient(panel).ListInbounds(context.Background(), &xui.Session{})
	var apiErr *vpnerr.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadGateway, apiErr.Status)
}

func TestMalformedBodyIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "x"})
			return
		}
		_, _ = w.Write([]byte(`<html>oops`))
	}))
	defer srv.Close()

	_, err := xui.NewClient(srv.URL, "u", "p", xui.Options{}).ListInbounds(context.Background(), &xui.Session{})
	var apiErr *vpnerr.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Contains(t, apiErr.Message, "malformed")
}

func TestTrafficLookups(t *testing.T) {
	panel := xuitest.New(t)
	panel.AddRealityInbound(1, 443)
	panel.SetTraffic(1, "cid", "tg_5_1", 100, 250)
	client := newClient(panel)
	sess := &xui.Session{}

	tr, err := client.ClientTrafficByEmail(context.Background(), sess, "tg_5_1")
	require.NoError(t, err)
	require.Equal(t, int64(350), tr.Used())

	tr, err = client.ClientTrafficByID(context.Background(), sess, "cid")
	require.NoError(t, err)
	require.Equal(t, int64(350), tr.Used())

	_, err = client.ClientTrafficByEmail(context.Background(), sess, "missing")
	require.True(t, errors.Is(err, xui.ErrClientNotFound))

	_, err = client.ClientTrafficByID(context.Background(), sess, "missing")
	require.True(t, errors.Is(err, xui.ErrClientNotFound))
}

func TestLooseNumericFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			_, _ = w.Write([]byte(`{"success":"true","obj":{"token":"abc"}}`))
			return
		}
		if r.Header.Get("Authorization") != "Bearer abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"success":1,"obj":{"email":"e","up":"10","down":"5.0"}}`))
	}))
	defer srv.Close()

	tr, err := xui.NewClient(srv.URL, "u", "p", xui.Options{}).ClientTrafficByEmail(context.Background(), &xui.Session{}, "e")
	require.NoError(t, err)
	require.Equal(t, int64(10), tr.Up)
	require.Equal(t, int64(5), tr.Down)
}

func TestEnvelopeWithoutSuccessFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "x"})
			return
		}
		_, _ = w.Write([]byte(`{"email":"e","up":1,"down":2}`))
	}))
	defer srv.Close()

	tr, err := xui.NewClient(srv.URL, "u", "p", xui.Options{}).ClientTrafficByEmail(context.Background(), &xui.Session{}, "e")
	require.NoError(t, err)
	require.Equal(t, int64(3), tr.Used())
}

func TestUpdateAndDeleteClient(t *testing.T) {
	panel := xuitest.New(t)
	panel.AddRealityInbound(1, 443)
	client := newClient(panel)
	sess := &xui.Session{}
	ctx := context.Background()

	spec := xui.ClientSpec{ID: "c1", Email: "tg_1_1", Enable: false}
	require.NoError(t, client.AddClient(ctx, sess, 1, spec))

	spec.Enable = true
	spec.ExpiryTime = 12345
	require.NoError(t, client.UpdateClient(ctx, sess, 1, spec))
	clients := panel.Clients(1)
	require.Len(t, clients, 1)
	require.True(t, clients[0].Enable)
	require.Equal(t, int64(12345), clients[0].ExpiryTime)

	require.NoError(t, client.DeleteClient(ctx, sess, 1, "c1"))
	require.Empty(t, panel.Clients(1))
}

func TestResetClientTraffic(t *testing.T) {
	panel := xuitest.New(t)
	panel.AddRealityInbound(1, 443)
	panel.SetTraffic(1, "c1", "e1", 10, 10)

	require.NoError(t, newClient(panel).ResetClientTraffic(context.Background(), &xui.Session{}, 1, "e1"))
	up, down, ok := panel.Traffic("e1")
	require.True(t, ok)
	require.Zero(t, up+down)
}

func TestHost(t *testing.T) {
	c := xui.NewClient("https://panel.example.org:2053/base/", "u", "p", xui.Options{})
	require.Equal(t, "panel.example.org", c.Host())
}

func TestHostEmptyWithoutURL(t *testing.T) {
	require.Empty(t, xui.NewClient("", "u", "p", xui.Options{}).Host())
}
