package xui

import (
	"strconv"
	"strings"

	"github.com/valyala/fastjson"
)

// The panel is inconsistent across versions: flags arrive as bools,
// numbers or strings, counters as numbers or numeric strings, and nested
// settings either as objects or as JSON-encoded strings. These helpers
// normalise a single field each.

type envelope struct {
	Success bool
	Message string
	Obj     *fastjson.Value
}

func parseEnvelope(body []byte) (envelope, error) {
	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil {
		return envelope{}, err
	}
	env := envelope{Success: true, Obj: v}
	if v.Type() != fastjson.TypeObject {
		return env, nil
	}
	if s := v.Get("success"); s != nil {
		env.Success = looseBool(s)
		env.Obj = v.Get("obj")
	} else if o := v.Get("obj"); o != nil {
		env.Obj = o
	}
	env.Message = looseString(v.Get("msg"))
	if env.Message == "" {
		env.Message = looseString(v.Get("message"))
	}
	return env, nil
}

func looseBool(v *fastjson.Value) bool {
	if v == nil {
		return false
	}
	switch v.Type() {
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeNumber:
		return v.GetFloat64() != 0
	case fastjson.TypeString:
		b, err := strconv.ParseBool(strings.TrimSpace(string(v.GetStringBytes())))
		return err == nil && b
	}
	return false
}

func looseInt(v *fastjson.Value) int64 {
	if v == nil {
		return 0
	}
	switch v.Type() {
	case fastjson.TypeNumber:
		if n, err := v.Int64(); err == nil {
			return n
		}
		return int64(v.GetFloat64())
	case fastjson.TypeString:
		s := strings.TrimSpace(string(v.GetStringBytes()))
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f)
		}
	}
	return 0
}

func looseString(v *fastjson.Value) string {
	if v == nil {
		return ""
	}
	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		return v.String()
	case fastjson.TypeNull:
		return ""
	}
	return v.String()
}

// nested returns the value of key as an object, parsing it first when the
// panel sent it as a JSON string.
func nested(v *fastjson.Value, key string) *fastjson.Value {
	if v == nil {
		return nil
	}
	f := v.Get(key)
	if f == nil {
		return nil
	}
	if f.Type() == fastjson.TypeString {
		raw := f.GetStringBytes()
		if len(raw) == 0 {
			return nil
		}
		var p fastjson.Parser
		inner, err := p.ParseBytes(raw)
		if err != nil {
			return nil
		}
		return inner
	}
	if f.Type() == fastjson.TypeObject {
		return f
	}
	return nil
}

func stringList(v *fastjson.Value) []string {
	if v == nil || v.Type() != fastjson.TypeArray {
		return nil
	}
	var out []string
	for _, item := range v.GetArray() {
		out = append(out, looseString(item))
	}
	return out
}

func decodeInbound(v *fastjson.Value) Inbound {
	in := Inbound{
		ID:       int(looseInt(v.Get("id"))),
		Port:     int(looseInt(v.Get("port"))),
		Protocol: strings.ToLower(looseString(v.Get("protocol"))),
		Remark:   looseString(v.Get("remark")),
		Enable:   looseBool(v.Get("enable")),
		Up:       looseInt(v.Get("up")),
		Down:     looseInt(v.Get("down")),
	}

	if settings := nested(v, "settings"); settings != nil {
		for _, c := range settings.GetArray("clients") {
			in.Clients = append(in.Clients, decodeClient(c))
		}
	}
	for _, s := range v.GetArray("clientStats") {
		in.ClientStats = append(in.ClientStats, decodeTraffic(s))
	}
	if stream := nested(v, "streamSettings"); stream != nil {
		in.Stream = decodeStream(stream)
	}
	return in
}

func decodeClient(v *fastjson.Value) ClientSpec {
	c := ClientSpec{
		ID:         looseString(v.Get("id")),
		Flow:       looseString(v.Get("flow")),
		Email:      looseString(v.Get("email")),
		LimitIP:    int(looseInt(v.Get("limitIp"))),
		TotalGB:    looseInt(v.Get("totalGB")),
		ExpiryTime: looseInt(v.Get("expiryTime")),
		Enable:     true,
		TgID:       looseString(v.Get("tgId")),
		SubID:      looseString(v.Get("subId")),
		Reset:      int(looseInt(v.Get("reset"))),
	}
	if c.ID == "" {
		// trojan clients carry the credential as password
		c.ID = looseString(v.Get("password"))
	}
	if e := v.Get("enable"); e != nil {
		c.Enable = looseBool(e)
	}
	return c
}

func decodeTraffic(v *fastjson.Value) Traffic {
	return Traffic{
		ID:         looseInt(v.Get("id")),
		InboundID:  int(looseInt(v.Get("inboundId"))),
		Email:      looseString(v.Get("email")),
		Up:         looseInt(v.Get("up")),
		Down:       looseInt(v.Get("down")),
		Total:      looseInt(v.Get("total")),
		ExpiryTime: looseInt(v.Get("expiryTime")),
		Enable:     looseBool(v.Get("enable")),
	}
}

func decodeStream(v *fastjson.Value) StreamSettings {
	s := StreamSettings{
		Network:  looseString(v.Get("network")),
		Security: strings.ToLower(looseString(v.Get("security"))),
	}
	rs := v.Get("realitySettings")
	if rs == nil || rs.Type() != fastjson.TypeObject {
		return s
	}
	inner := rs.Get("settings")
	s.Reality = &RealitySettings{
		PublicKey:   looseString(inner.Get("publicKey")),
		Fingerprint: looseString(inner.Get("fingerprint")),
		SpiderX:     looseString(inner.Get("spiderX")),
		ServerNames: stringList(rs.Get("serverNames")),
		ShortIDs:    stringList(rs.Get("shortIds")),
	}
	return s
}

// decodeTrafficLookup reads the obj of a traffic lookup. obj may be a
// single record, an array of records, or null.
func decodeTrafficLookup(obj *fastjson.Value, email string) (Traffic, bool) {
	if obj == nil {
		return Traffic{}, false
	}
	switch obj.Type() {
	case fastjson.TypeObject:
		if obj.Get("up") == nil && obj.Get("down") == nil {
			return Traffic{}, false
		}
		return decodeTraffic(obj), true
	case fastjson.TypeArray:
		items := obj.GetArray()
		for _, item := range items {
			t := decodeTraffic(item)
			if email == "" || t.Email == email {
				return t, true
			}
		}
	}
	return Traffic{}, false
}
