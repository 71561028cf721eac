// Package xuitest runs an in-memory 3x-ui panel over httptest for tests.
package xuitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/google/uuid"

	"winston-vpn/internal/xui"
)

const (
	OpLogin        = "login"
	OpList         = "list"
	OpGet          = "get"
	OpAddClient    = "addClient"
	OpUpdateClient = "updateClient"
	OpDelClient    = "delClient"
	OpResetTraffic = "resetClientTraffic"
	OpTrafficEmail = "getClientTraffics"
	OpTrafficID    = "getClientTrafficsById"
)

type Inbound struct {
	ID         int
	Port       int
	Protocol   string
	Network    string
	Security   string
	PublicKey  string
	ServerName string
	ShortID    string
	Clients    []xui.ClientSpec
}

type traffic struct {
	inboundID int
	clientID  string
	email     string
	up        int64
	down      int64
}

type Panel struct {
	Username string
	Password string
	// TokenAuth makes /login return obj.token instead of a cookie.
	TokenAuth bool
	// SettingsAsObject renders settings and streamSettings as JSON objects
	// rather than JSON-encoded strings.
	SettingsAsObject bool
	// HideClients renders inbounds without their clients, like a panel that
	// has not applied recent writes yet.
	HideClients bool

	server   *httptest.Server
	mu       sync.Mutex
	inbounds map[int]*Inbound
	traffic  map[string]*traffic
	sessions map[string]bool
	calls    map[string]int
	failures map[string][]int
}

func New(t testing.TB) *Panel {
	t.Helper()
	p := &Panel{
		Username: "admin",
		Password: "secret",
		inbounds: make(map[int]*Inbound),
		traffic:  make(map[string]*traffic),
		sessions: make(map[string]bool),
		calls:    make(map[string]int),
		failures: make(map[string][]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", p.handleLogin)
	mux.HandleFunc("GET /panel/api/inbounds/list", p.authed(OpList, p.handleList))
	mux.HandleFunc("GET /panel/api/inbounds/get/{id}", p.authed(OpGet, p.handleGet))
	mux.HandleFunc("POST /panel/api/inbounds/addClient", p.authed(OpAddClient, p.handleAddClient))
	mux.HandleFunc("POST /panel/api/inbounds/updateClient/{clientId}", p.authed(OpUpdateClient, p.handleUpdateClient))
	mux.HandleFunc("POST /panel/api/inbounds/{id}/delClient/{clientId}", p.authed(OpDelClient, p.handleDelClient))
	mux.HandleFunc("POST /panel/api/inbounds/{id}/resetClientTraffic/{email}", p.authed(OpResetTraffic, p.handleResetTraffic))
	mux.HandleFunc("GET /panel/api/inbounds/getClientTraffics/{email}", p.authed(OpTrafficEmail, p.handleTrafficByEmail))
	mux.HandleFunc("GET /panel/api/inbounds/getClientTrafficsById/{id}", p.authed(OpTrafficID, p.handleTrafficByID))

	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *Panel) URL() string { return p.server.URL }

func (p *Panel) AddInbound(in Inbound) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := in
	p.inbounds[in.ID] = &cp
}

// AddRealityInbound registers a VLESS inbound with reality settings.
func (p *Panel) AddRealityInbound(id, port int) {
	p.AddInbound(Inbound{
		ID:         id,
		Port:       port,
		Protocol:   "vless",
		Network:    "tcp",
		Security:   "reality",
		PublicKey:  "pubkey123",
		ServerName: "www.example.com",
		ShortID:    "ab12",
	})
}

func (p *Panel) Clients(inboundID int) []xui.ClientSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	in, ok := p.inbounds[inboundID]
	if !ok {
		return nil
	}
	return append([]xui.ClientSpec(nil), in.Clients...)
}

// SetTraffic sets the counters the panel reports for a client.
func (p *Panel) SetTraffic(inboundID int, clientID, email string, up, down int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.traffic[email] = &traffic{inboundID: inboundID, clientID: clientID, email: email, up: up, down: down}
}

func (p *Panel) Traffic(email string) (up, down int64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tr, ok := p.traffic[email]
	if !ok {
		return 0, 0, false
	}
	return tr.up, tr.down, true
}

// FailNext makes the next call of op answer with status. Status 200 yields
// a success=false envelope.
func (p *Panel) FailNext(op string, status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], status)
}

// ExpireSessions invalidates every issued credential.
func (p *Panel) ExpireSessions() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = make(map[string]bool)
}

func (p *Panel) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *Panel) takeFailure(op string) (int, bool) {
	queue := p.failures[op]
	if len(queue) == 0 {
		return 0, false
	}
	p.failures[op] = queue[1:]
	return queue[0], true
}

func (p *Panel) handleLogin(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[OpLogin]++
	if status, ok := p.takeFailure(OpLogin); ok {
		writeFailure(w, status)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username != p.Username || req.Password != p.Password {
		writeJSON(w, map[string]any{"success": false, "msg": "wrong username or password"})
		return
	}

	credential := uuid.NewString()
	p.sessions[credential] = true
	if p.TokenAuth {
		writeJSON(w, map[string]any{"success": true, "msg": "", "obj": map[string]any{"token": credential}})
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "3x-ui", Value: credential, Path: "/"})
	writeJSON(w, map[string]any{"success": true, "msg": "Login successfully", "obj": nil})
}

func (p *Panel) authed(op string, next func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.calls[op]++

		credential := ""
		if c, err := r.Cookie("3x-ui"); err == nil {
			credential = c.Value
		}
		if auth := r.Header.Get("Authorization"); len(auth) > 7 {
			credential = auth[7:]
		}
		if !p.sessions[credential] {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if status, ok := p.takeFailure(op); ok {
			writeFailure(w, status)
			return
		}
		next(w, r)
	}
}

func (p *Panel) handleList(w http.ResponseWriter, _ *http.Request) {
	list := make([]any, 0, len(p.inbounds))
	for _, in := range p.inbounds {
		list = append(list, p.render(in))
	}
	writeJSON(w, map[string]any{"success": true, "obj": list})
}

func (p *Panel) handleGet(w http.ResponseWriter, r *http.Request) {
	in, ok := p.lookupInbound(r.PathValue("id"))
	if !ok {
		writeJSON(w, map[string]any{"success": false, "msg": "inbound not found"})
		return
	}
	writeJSON(w, map[string]any{"success": true, "obj": p.render(in)})
}

func (p *Panel) handleAddClient(w http.ResponseWriter, r *http.Request) {
	id, specs, err := decodeClientRequest(r)
	if err != nil {
		writeJSON(w, map[string]any{"success": false, "msg": err.Error()})
		return
	}
	in, ok := p.inbounds[id]
	if !ok {
		writeJSON(w, map[string]any{"success": false, "msg": "inbound not found"})
		return
	}
	for _, spec := range specs {
		for _, existing := range in.Clients {
			if existing.Email == spec.Email {
				writeJSON(w, map[string]any{"success": false, "msg": "Duplicate email: " + spec.Email})
				return
			}
		}
	}
	for _, spec := range specs {
		in.Clients = append(in.Clients, spec)
		if _, ok := p.traffic[spec.Email]; !ok {
			p.traffic[spec.Email] = &traffic{inboundID: id, clientID: spec.ID, email: spec.Email}
		}
	}
	writeJSON(w, map[string]any{"success": true, "msg": "Client(s) added"})
}

func (p *Panel) handleUpdateClient(w http.ResponseWriter, r *http.Request) {
	id, specs, err := decodeClientRequest(r)
	if err != nil || len(specs) != 1 {
		writeJSON(w, map[string]any{"success": false, "msg": "bad request"})
		return
	}
	in, ok := p.inbounds[id]
	if !ok {
		writeJSON(w, map[string]any{"success": false, "msg": "inbound not found"})
		return
	}
	clientID := r.PathValue("clientId")
	for i, c := range in.Clients {
		if c.ID == clientID {
			in.Clients[i] = specs[0]
			writeJSON(w, map[string]any{"success": true, "msg": "Client updated"})
			return
		}
	}
	writeJSON(w, map[string]any{"success": false, "msg": "client not found"})
}

func (p *Panel) handleDelClient(w http.ResponseWriter, r *http.Request) {
	in, ok := p.lookupInbound(r.PathValue("id"))
	if !ok {
		writeJSON(w, map[string]any{"success": false, "msg": "inbound not found"})
		return
	}
	clientID := r.PathValue("clientId")
	for i, c := range in.Clients {
		if c.ID == clientID {
			in.Clients = append(in.Clients[:i], in.Clients[i+1:]...)
			delete(p.traffic, c.Email)
			writeJSON(w, map[string]any{"success": true, "msg": "Client deleted"})
			return
		}
	}
	writeJSON(w, map[string]any{"success": false, "msg": "client not found"})
}

func (p *Panel) handleResetTraffic(w http.ResponseWriter, r *http.Request) {
	if tr, ok := p.traffic[r.PathValue("email")]; ok {
		tr.up, tr.down = 0, 0
	}
	writeJSON(w, map[string]any{"success": true, "msg": "traffic reset"})
}

func (p *Panel) handleTrafficByEmail(w http.ResponseWriter, r *http.Request) {
	tr, ok := p.traffic[r.PathValue("email")]
	if !ok {
		writeJSON(w, map[string]any{"success": true, "obj": nil})
		return
	}
	writeJSON(w, map[string]any{"success": true, "obj": renderTraffic(tr)})
}

func (p *Panel) handleTrafficByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var out []any
	for _, tr := range p.traffic {
		if tr.clientID == id {
			out = append(out, renderTraffic(tr))
		}
	}
	writeJSON(w, map[string]any{"success": true, "obj": out})
}

func (p *Panel) lookupInbound(raw string) (*Inbound, bool) {
	id, err := strconv.Atoi(raw)
	if err != nil {
		return nil, false
	}
	in, ok := p.inbounds[id]
	return in, ok
}

func (p *Panel) render(in *Inbound) map[string]any {
	clients := make([]any, 0, len(in.Clients))
	var stats []any
	for _, c := range in.Clients {
		if p.HideClients {
			break
		}
		clients = append(clients, c)
		if tr, ok := p.traffic[c.Email]; ok {
			stats = append(stats, renderTraffic(tr))
		}
	}
	settings := map[string]any{"clients": clients, "decryption": "none"}
	stream := map[string]any{"network": in.Network, "security": in.Security}
	if in.Security == "reality" {
		stream["realitySettings"] = map[string]any{
			"serverNames": []string{in.ServerName},
			"shortIds":    []string{in.ShortID},
			"settings": map[string]any{
				"publicKey":   in.PublicKey,
				"fingerprint": "firefox",
				"spiderX":     "/",
			},
		}
	}

	out := map[string]any{
		"id":          in.ID,
		"port":        in.Port,
		"protocol":    in.Protocol,
		"enable":      true,
		"remark":      fmt.Sprintf("inbound-%d", in.ID),
		"clientStats": stats,
	}
	if p.SettingsAsObject {
		out["settings"] = settings
		out["streamSettings"] = stream
	} else {
		out["settings"] = mustJSON(settings)
		out["streamSettings"] = mustJSON(stream)
	}
	return out
}

func renderTraffic(tr *traffic) map[string]any {
	return map[string]any{
		"inboundId": tr.inboundID,
		"email":     tr.email,
		"up":        tr.up,
		"down":      tr.down,
		"total":     0,
		"enable":    true,
	}
}

func decodeClientRequest(r *http.Request) (int, []xui.ClientSpec, error) {
	var req struct {
		ID       int    `json:"id"`
		Settings string `json:"settings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return 0, nil, err
	}
	var settings struct {
		Clients []xui.ClientSpec `json:"clients"`
	}
	if err := json.Unmarshal([]byte(req.Settings), &settings); err != nil {
		return 0, nil, err
	}
	return req.ID, settings.Clients, nil
}

func writeFailure(w http.ResponseWriter, status int) {
	if status == http.StatusOK {
		writeJSON(w, map[string]any{"success": false, "msg": "injected failure"})
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte("injected failure"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
