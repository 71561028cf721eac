package xui

// FlowVision is the only flow this service provisions.
const FlowVision = "xtls-rprx-vision"

type Inbound struct {
	ID          int
	Port        int
	Protocol    string
	Remark      string
	Enable      bool
	Up          int64
	Down        int64
	Clients     []ClientSpec
	ClientStats []Traffic
	Stream      StreamSettings
}

// FindClient looks a client up by id, then by email.
func (in *Inbound) FindClient(id, email string) (ClientSpec, bool) {
	for _, c := range in.Clients {
		if (id != "" && c.ID == id) || (email != "" && c.Email == email) {
			return c, true
		}
	}
	return ClientSpec{}, false
}

func (in *Inbound) StatByEmail(email string) (Traffic, bool) {
	for _, s := range in.ClientStats {
		if s.Email == email {
			return s, true
		}
	}
	return Traffic{}, false
}

type StreamSettings struct {
	Network  string
	Security string
	Reality  *RealitySettings
}

type RealitySettings struct {
	PublicKey   string
	Fingerprint string
	ServerNames []string
	ShortIDs    []string
	SpiderX     string
}

// ClientSpec is the client object the panel stores inside an inbound's
// settings.clients array.
type ClientSpec struct {
	ID         string `json:"id"`
	Flow       string `json:"flow"`
	Email      string `json:"email"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgID       string `json:"tgId"`
	SubID      string `json:"subId"`
	Reset      int    `json:"reset"`
}

type Traffic struct {
	ID         int64
	InboundID  int
	Email      string
	Up         int64
	Down       int64
	Total      int64
	ExpiryTime int64
	Enable     bool
}

func (t Traffic) Used() int64 {
	return t.Up + t.Down
}

type clientSettings struct {
	Clients []ClientSpec `json:"clients"`
}

type clientRequest struct {
	ID       int    `json:"id"`
	Settings string `json:"settings"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
