package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	cferrors "github.com/vnykmshr/clusterflow/pkg/common/errors"
)

// Param type tags on the wire.
const (
	paramTypeInt32   byte = 0
	paramTypeInt64   byte = 1
	paramTypeInt8    byte = 2
	paramTypeFloat64 byte = 3
	paramTypeFloat32 byte = 4
	paramTypeInt16   byte = 5
	paramTypeBool    byte = 6
	paramTypeString  byte = 7
)

const (
	payloadNone  byte = 0
	payloadToken byte = 1
)

// EncodeRequest serializes req into a frame body.
func EncodeRequest(req *Request) ([]byte, error) {
	if req == nil {
		return nil, &cferrors.EncodingError{What: "request", Reason: "nil request"}
	}

	buf := make([]byte, 0, 32)
	buf = binary.BigEndian.AppendUint16(buf, uint16(req.Type))
	buf = binary.BigEndian.AppendUint32(buf, uint32(req.ID))

	switch req.Type {
	case MsgTypePing:
		data, ok := req.Data.(*PingRequestData)
		if !ok || data == nil {
			return nil, &cferrors.EncodingError{What: "ping request", Reason: "missing namespace payload"}
		}
		if len(buf)+4+len(data.Namespace) > MaxFrameSize {
			return nil, &cferrors.EncodingError{What: "ping request", Reason: "namespace too long"}
		}
		buf = appendString(buf, data.Namespace)
	case MsgTypeFlow:
		data, ok := req.Data.(*FlowRequestData)
		if !ok || data == nil {
			return nil, &cferrors.EncodingError{What: "flow request", Reason: "missing flow payload"}
		}
		buf = binary.BigEndian.AppendUint64(buf, uint64(data.FlowID))
		buf = binary.BigEndian.AppendUint32(buf, uint32(data.Count))
		buf = appendBool(buf, data.Priority)
	case MsgTypeParamFlow:
		data, ok := req.Data.(*ParamFlowRequestData)
		if !ok || data == nil {
			return nil, &cferrors.EncodingError{What: "param flow request", Reason: "missing param payload"}
		}
		buf = binary.BigEndian.AppendUint64(buf, uint64(data.FlowID))
		buf = binary.BigEndian.AppendUint32(buf, uint32(data.Count))
		var err error
		if buf, err = appendParams(buf, data.Params); err != nil {
			return nil, err
		}
	default:
		return nil, &cferrors.EncodingError{What: "request", Reason: "unknown type " + req.Type.String()}
	}

	return buf, nil
}

// appendParams writes the param count followed by as many params as fit in
// MaxFrameSize. Params past the first one that does not fit are dropped.
func appendParams(buf []byte, params []interface{}) ([]byte, error) {
	countAt := len(buf)
	buf = binary.BigEndian.AppendUint32(buf, 0)

	var written uint32
	for i, p := range params {
		next, err := appendParam(buf, p)
		if err != nil {
			return nil, &cferrors.EncodingError{What: "param flow request", Reason: "param " + strconv.Itoa(i) + ": " + err.Error()}
		}
		if len(next) > MaxFrameSize {
			break
		}
		buf = next
		written++
	}

	binary.BigEndian.PutUint32(buf[countAt:], written)
	return buf, nil
}

func appendParam(buf []byte, p interface{}) ([]byte, error) {
	switch v := p.(type) {
	case int32:
		buf = append(buf, paramTypeInt32)
		return binary.BigEndian.AppendUint32(buf, uint32(v)), nil
	case int64:
		buf = append(buf, paramTypeInt64)
		return binary.BigEndian.AppendUint64(buf, uint64(v)), nil
	case int:
		buf = append(buf, paramTypeInt64)
		return binary.BigEndian.AppendUint64(buf, uint64(v)), nil
	case int8:
		return append(buf, paramTypeInt8, byte(v)), nil
	case float64:
		buf = append(buf, paramTypeFloat64)
		return binary.BigEndian.AppendUint64(buf, math.Float64bits(v)), nil
	case float32:
		buf = append(buf, paramTypeFloat32)
		return binary.BigEndian.AppendUint32(buf, math.Float32bits(v)), nil
	case int16:
		buf = append(buf, paramTypeInt16)
		return binary.BigEndian.AppendUint16(buf, uint16(v)), nil
	case bool:
		buf = append(buf, paramTypeBool)
		return appendBool(buf, v), nil
	case string:
		buf = append(buf, paramTypeString)
		return appendString(buf, v), nil
	default:
		return nil, fmt.Errorf("unsupported param type %T", p)
	}
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// DecodeRequest parses a frame body produced by EncodeRequest.
func DecodeRequest(b []byte) (*Request, error) {
	d := decoder{buf: b, what: "request"}
	typ := MsgType(d.int16())
	id := d.int32()
	if d.err != nil {
		return nil, d.err
	}

	req := &Request{ID: id, Type: typ}
	switch typ {
	case MsgTypePing:
		req.Data = &PingRequestData{Namespace: d.string()}
	case MsgTypeFlow:
		req.Data = &FlowRequestData{
			FlowID:   d.int64(),
			Count:    d.int32(),
			Priority: d.bool(),
		}
	case MsgTypeParamFlow:
		data := &ParamFlowRequestData{
			FlowID: d.int64(),
			Count:  d.int32(),
		}
		data.Params = d.params()
		req.Data = data
	default:
		return nil, &cferrors.DecodingError{What: "request", Reason: "unknown type " + typ.String()}
	}

	if d.err != nil {
		return nil, d.err
	}
	return req, nil
}

// PeekRequestID returns the transaction id of a frame body when the header
// is long enough to hold one.
func PeekRequestID(b []byte) (int32, bool) {
	if len(b) < requestHeaderSize {
		return 0, false
	}
	return int32(binary.BigEndian.Uint32(b[2:6])), true
}

// PeekResponseID returns the transaction id of a response frame body. Status
// and type share the same width, so the id sits at the same offset.
func PeekResponseID(b []byte) (int32, bool) {
	return PeekRequestID(b)
}

// EncodeResponse serializes resp into a frame body.
func EncodeResponse(resp *Response) ([]byte, error) {
	if resp == nil {
		return nil, &cferrors.EncodingError{What: "response", Reason: "nil response"}
	}

	buf := make([]byte, 0, responseHeaderSize+8)
	buf = binary.BigEndian.AppendUint16(buf, uint16(resp.Status))
	buf = binary.BigEndian.AppendUint32(buf, uint32(resp.ID))
	if resp.Data == nil {
		return append(buf, payloadNone), nil
	}
	buf = append(buf, payloadToken)
	buf = binary.BigEndian.AppendUint32(buf, uint32(resp.Data.RemainingCount))
	buf = binary.BigEndian.AppendUint32(buf, uint32(resp.Data.WaitInMs))
	return buf, nil
}

// DecodeResponse parses a frame body produced by EncodeResponse.
func DecodeResponse(b []byte) (*Response, error) {
	d := decoder{buf: b, what: "response"}
	resp := &Response{
		Status: Status(d.int16()),
		ID:     d.int32(),
	}
	marker := d.byte()
	if d.err != nil {
		return nil, d.err
	}

	switch marker {
	case payloadNone:
	case payloadToken:
		resp.Data = &TokenData{
			RemainingCount: d.int32(),
			WaitInMs:       d.int32(),
		}
	default:
		return nil, &cferrors.DecodingError{What: "response", Reason: "unknown payload marker " + strconv.Itoa(int(marker))}
	}

	if d.err != nil {
		return nil, d.err
	}
	return resp, nil
}

// decoder reads big-endian fields and keeps the first error.
type decoder struct {
	buf  []byte
	off  int
	what string
	err  error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.err = &cferrors.DecodingError{
			What:   d.what,
			Reason: "truncated at offset " + strconv.Itoa(d.off) + ", need " + strconv.Itoa(n) + " bytes",
		}
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) byte() byte {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) bool() bool {
	return d.byte() != 0
}

func (d *decoder) int16() int16 {
	if b := d.take(2); b != nil {
		return int16(binary.BigEndian.Uint16(b))
	}
	return 0
}

func (d *decoder) int32() int32 {
	if b := d.take(4); b != nil {
		return int32(binary.BigEndian.Uint32(b))
	}
	return 0
}

func (d *decoder) int64() int64 {
	if b := d.take(8); b != nil {
		return int64(binary.BigEndian.Uint64(b))
	}
	return 0
}

func (d *decoder) string() string {
	n := d.int32()
	if b := d.take(int(n)); b != nil {
		return string(b)
	}
	return ""
}

func (d *decoder) params() []interface{} {
	n := int(d.int32())
	if d.err != nil {
		return nil
	}
	// Every param takes at least two bytes.
	if n < 0 || n > (len(d.buf)-d.off)/2 {
		d.err = &cferrors.DecodingError{What: d.what, Reason: "invalid param count " + strconv.Itoa(n)}
		return nil
	}

	params := make([]interface{}, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		switch tag := d.byte(); tag {
		case paramTypeInt32:
			params = append(params, d.int32())
		case paramTypeInt64:
			params = append(params, d.int64())
		case paramTypeInt8:
			params = append(params, int8(d.byte()))
		case paramTypeFloat64:
			params = append(params, math.Float64frombits(uint64(d.int64())))
		case paramTypeFloat32:
			params = append(params, math.Float32frombits(uint32(d.int32())))
		case paramTypeInt16:
			params = append(params, d.int16())
		case paramTypeBool:
			params = append(params, d.bool())
		case paramTypeString:
			params = append(params, d.string())
		default:
			if d.err == nil {
				d.err = &cferrors.DecodingError{What: d.what, Reason: "unknown param tag " + strconv.Itoa(int(tag))}
			}
		}
	}
	return params
}
