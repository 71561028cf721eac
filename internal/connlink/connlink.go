// Package connlink builds client connection URIs for the protocols the
// panel serves.
package connlink

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"winston-vpn/internal/xui"
)

var ErrUnsupportedProtocol = errors.New("unsupported protocol")

const (
	DefaultFingerprint = "chrome"
	DefaultServerName  = "yahoo.com"
	DefaultSpiderX     = "/"
)

type Reality struct {
	PublicKey   string
	Fingerprint string
	ServerName  string
	ShortID     string
	SpiderX     string
}

type Params struct {
	Protocol string
	Network  string
	Security string
	ClientID string
	Identity string
	Address  string
	Port     int
	Reality  Reality
}

func Supported(protocol string) bool {
	switch strings.ToLower(protocol) {
	case "vless", "vmess", "trojan":
		return true
	}
	return false
}

// FromInbound fills Params from a panel inbound.
func FromInbound(in *xui.Inbound, clientID, identity, address string) Params {
	return Params{
		Protocol: in.Protocol,
		Network:  in.Stream.Network,
		Security: in.Stream.Security,
		ClientID: clientID,
		Identity: identity,
		Address:  address,
		Port:     in.Port,
		Reality:  RealityFromStream(in.Stream),
	}
}

func RealityFromStream(s xui.StreamSettings) Reality {
	var r Reality
	if s.Reality != nil {
		r.PublicKey = s.Reality.PublicKey
		r.Fingerprint = s.Reality.Fingerprint
		r.SpiderX = s.Reality.SpiderX
		if len(s.Reality.ServerNames) > 0 {
			r.ServerName = s.Reality.ServerNames[0]
		}
		if len(s.Reality.ShortIDs) > 0 {
			r.ShortID = s.Reality.ShortIDs[0]
		}
	}
	return r.withDefaults()
}

func (r Reality) withDefaults() Reality {
	if r.Fingerprint == "" {
		r.Fingerprint = DefaultFingerprint
	}
	if r.ServerName == "" {
		r.ServerName = DefaultServerName
	}
	if r.SpiderX == "" {
		r.SpiderX = DefaultSpiderX
	}
	return r
}

func Build(p Params) (string, error) {
	network := p.Network
	if network == "" {
		network = "tcp"
	}
	hostPort := fmt.Sprintf("%s@%s:%d", p.ClientID, p.Address, p.Port)

	switch strings.ToLower(p.Protocol) {
	case "vmess":
		return buildVmess(p, network)
	case "vless":
		q := query{}
		q.add("type", network)
		q.add("encryption", "none")
		if sec := strings.ToLower(p.Security); sec == "reality" || sec == "tls" {
			r := p.Reality.withDefaults()
			q.add("security", "reality")
			q.add("pbk", r.PublicKey)
			q.add("fp", r.Fingerprint)
			q.add("sni", r.ServerName)
			q.add("sid", r.ShortID)
			q.add("spx", r.SpiderX)
			q.add("flow", xui.FlowVision)
		}
		return "vless://" + hostPort + "?" + q.String() + "#" + encodeComponent(p.Identity), nil
	case "trojan":
		q := query{}
		q.add("type", network)
		return "trojan://" + hostPort + "?" + q.String() + "#" + encodeComponent(p.Identity), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedProtocol, p.Protocol)
}

type vmessConfig struct {
	V    string `json:"v"`
	PS   string `json:"ps"`
	Add  string `json:"add"`
	Port int    `json:"port"`
	ID   string `json:"id"`
	Aid  int    `json:"aid"`
	Net  string `json:"net"`
	Type string `json:"type"`
	Host string `json:"host"`
	Path string `json:"path"`
	TLS  string `json:"tls"`
	SNI  string `json:"sni"`
}

func buildVmess(p Params, network string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(vmessConfig{
		V:    "2",
		PS:   p.Identity,
		Add:  p.Address,
		Port: p.Port,
		ID:   p.ClientID,
		Net:  network,
		Type: "none",
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode vmess config: %w", err)
	}
	raw := bytes.TrimRight(buf.Bytes(), "\n")
	return "vmess://" + base64.StdEncoding.EncodeToString(raw), nil
}

// query keeps insertion order; url.Values sorts keys.
type query []string

func (q *query) add(key, value string) {
	*q = append(*q, url.QueryEscape(key)+"="+url.QueryEscape(value))
}

func (q query) String() string {
	return strings.Join(q, "&")
}

// encodeComponent escapes everything except A-Z a-z 0-9 and -_.!~*'()
// which is the set browsers leave alone in URI components.
func encodeComponent(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%" + strings.ToUpper(strconv.FormatInt(int64(c)|0x100, 16)[1:]))
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", c) >= 0
}
