package message

type Type string

// Tags are named after the sending side.
const (
	TypeClientHello   Type = "client_hello"
	TypeServerHello   Type = "server_hello"
	TypeClientConfirm Type = "client_confirm"
	TypeServerConfirm Type = "server_confirm"

	// reject tags are part of the vocabulary but no role sends them
	TypeClientReject Type = "client_reject"
	TypeServerReject Type = "server_reject"

	TypeClientKeepAliveCheck Type = "client_keep_alive_chk"
	TypeServerKeepAliveReply Type = "server_keep_alive_rep" // answers TypeClientKeepAliveCheck
	TypeServerKeepAliveCheck Type = "server_keep_alive_chk"
	TypeClientKeepAliveReply Type = "client_keep_alive_rep" // answers TypeServerKeepAliveCheck

	TypeClientDisconnect Type = "client_disconnect"
	TypeServerDisconnect Type = "server_disconnect"
	TypeClientError      Type = "client_error"
	TypeServerError      Type = "server_error"

	TypeOK Type = "OK"
)

const (
	ServerErrorFull    = "Server is full."
	ServerErrorTimeout = "Timeout expired."
)

const (
	ServerDisconnectKeepAlive = "Client timeout during keep-alive check."
	ServerDisconnectError     = "Server error."
)

var knownTypes = map[Type]struct{}{
	TypeClientHello:          {},
	TypeServerHello:          {},
	TypeClientConfirm:        {},
	TypeServerConfirm:        {},
	TypeClientReject:         {},
	TypeServerReject:         {},
	TypeClientKeepAliveCheck: {},
	TypeServerKeepAliveReply: {},
	TypeServerKeepAliveCheck: {},
	TypeClientKeepAliveReply: {},
	TypeClientDisconnect:     {},
	TypeServerDisconnect:     {},
	TypeClientError:          {},
	TypeServerError:          {},
	TypeOK:                   {},
}

func (t Type) Valid() bool {
	_, found := knownTypes[t]
	return found
}

// DataPack is the envelope exchanged between peers. Data holds a JSON compatible value.
type DataPack struct {
	Type    Type     `json:"type" msgpack:"type"`
	DevInfo *DevInfo `json:"devinfo" msgpack:"devinfo"`
	Data    any      `json:"data" msgpack:"data"`
}

func NewDataPack(t Type, devInfo *DevInfo, data any) *DataPack {
	return &DataPack{
		Type:    t,
		DevInfo: devInfo,
		Data:    data,
	}
}

// Sender returns the sender identity, ok is false when the pack carries none.
func (p *DataPack) Sender() (PeerKey, bool) {
	if p == nil || p.DevInfo == nil {
		return PeerKey{}, false
	}
	return p.DevInfo.Key(), true
}

// Reason returns Data as a string, used by error and disconnect packs.
func (p *DataPack) Reason() string {
	s, ok := p.Data.(string)
	if !ok {
		return ""
	}
	return s
}
