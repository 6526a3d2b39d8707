package protocol

import "strconv"

const (
	// MaxFrameSize bounds a single frame, excluding its 2-byte length prefix.
	MaxFrameSize = 1024

	// LengthFieldSize is the size of the big-endian frame length prefix.
	LengthFieldSize = 2

	// MaxXid is the largest transaction id before the sequence wraps to 1.
	MaxXid int32 = 999_999_999

	requestHeaderSize  = 2 + 4
	responseHeaderSize = 2 + 4 + 1
)

// MsgType identifies the payload carried by a Request.
type MsgType int16

const (
	// MsgTypePing announces the client namespace after connecting.
	MsgTypePing MsgType = 0
	// MsgTypeFlow requests tokens for a flow rule.
	MsgTypeFlow MsgType = 1
	// MsgTypeParamFlow requests tokens for a hot-parameter flow rule.
	MsgTypeParamFlow MsgType = 2
)

func (t MsgType) String() string {
	switch t {
	case MsgTypePing:
		return "PING"
	case MsgTypeFlow:
		return "FLOW"
	case MsgTypeParamFlow:
		return "PARAM_FLOW"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
	}
}

// Valid reports whether t is a known request type.
func (t MsgType) Valid() bool {
	return t == MsgTypePing || t == MsgTypeFlow || t == MsgTypeParamFlow
}

// Status is the outcome carried by a Response.
type Status int16

const (
	StatusBadRequest     Status = -4
	StatusTooManyRequest Status = -2
	StatusFail           Status = -1
	StatusOK             Status = 0
	StatusBlocked        Status = 1
	StatusShouldWait     Status = 2
	StatusNoRuleExists   Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusBadRequest:
		return "BAD_REQUEST"
	case StatusTooManyRequest:
		return "TOO_MANY_REQUEST"
	case StatusFail:
		return "FAIL"
	case StatusOK:
		return "OK"
	case StatusBlocked:
		return "BLOCKED"
	case StatusShouldWait:
		return "SHOULD_WAIT"
	case StatusNoRuleExists:
		return "NO_RULE_EXISTS"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
	}
}

// Request is one client call. Data is *FlowRequestData,
// *ParamFlowRequestData or *PingRequestData depending on Type.
type Request struct {
	ID   int32
	Type MsgType
	Data interface{}
}

// FlowRequestData asks for Count tokens of FlowID.
type FlowRequestData struct {
	FlowID   int64
	Count    int32
	Priority bool
}

// ParamFlowRequestData asks for Count tokens of FlowID for every value in
// Params. Supported param types are int32, int64, int8, float64, float32,
// int16, bool and string; int is encoded as int64.
type ParamFlowRequestData struct {
	FlowID int64
	Count  int32
	Params []interface{}
}

// PingRequestData carries the namespace of the connecting client.
type PingRequestData struct {
	Namespace string
}

// TokenData is the optional payload of a Response.
type TokenData struct {
	RemainingCount int32
	WaitInMs       int32
}

// Response answers the Request with the same ID.
type Response struct {
	ID     int32
	Status Status
	Data   *TokenData
}

// NewResponse builds a response carrying token data.
func NewResponse(id int32, status Status, remaining, waitInMs int32) *Response {
	return &Response{
		ID:     id,
		Status: status,
		Data:   &TokenData{RemainingCount: remaining, WaitInMs: waitInMs},
	}
}

// NewStatusResponse builds a response without payload.
func NewStatusResponse(id int32, status Status) *Response {
	return &Response{ID: id, Status: status}
}
