/*
Package protocol implements the binary wire format spoken between token
clients and token servers.

Every message travels as a frame: a 2-byte big-endian length followed by at
most MaxFrameSize bytes of body. Request bodies are laid out as

	[int16 type][int32 xid][payload]

and response bodies as

	[int16 status][int32 xid][byte payload marker][payload]

The codec functions (EncodeRequest, DecodeRequest, EncodeResponse,
DecodeResponse) are pure and never touch the length prefix; FrameReader and
FrameWriter add and strip it.

Basic usage:

	fw := protocol.NewFrameWriter(conn)
	err := fw.WriteRequest(&protocol.Request{
		ID:   xid,
		Type: protocol.MsgTypeFlow,
		Data: &protocol.FlowRequestData{FlowID: 42, Count: 1},
	})

	fr := protocol.NewFrameReader(conn)
	body, err := fr.ReadFrame()
	resp, err := protocol.DecodeResponse(body)

There is no version byte, compression or TLS.
*/
package protocol
