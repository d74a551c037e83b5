package rpc

import (
	"fmt"

	"github.com/alxayo/rtmpcore/internal/errors"
	"github.com/alxayo/rtmpcore/internal/rtmp/amf"
	"github.com/alxayo/rtmpcore/internal/rtmp/chunk"
)

// CloseStreamCommand represents a parsed "closeStream" command, sent by a
// client to tear down a single stream (distinct from deleteStream, which
// some clients send interchangeably) without closing the connection.
//
// Expected AMF0 sequence:
//
//	0: "closeStream" (string)
//	1: transaction ID (number, typically 0) - ignored
//	2: null (command object placeholder) - ignored
type CloseStreamCommand struct {
	RawValues []interface{}
}

// ParseCloseStreamCommand parses an RTMP AMF0 "closeStream" invocation.
func ParseCloseStreamCommand(msg *chunk.Message) (*CloseStreamCommand, error) {
	if msg == nil {
		return nil, errors.NewProtocolError("closestream.parse", fmt.Errorf("nil message"))
	}
	if msg.TypeID != commandMessageAMF0TypeID {
		return nil, errors.NewProtocolError("closestream.parse", fmt.Errorf("unexpected message type %d", msg.TypeID))
	}
	vals, err := amf.DecodeAll(msg.Payload)
	if err != nil {
		return nil, errors.NewProtocolError("closestream.parse.decode", err)
	}
	if len(vals) < 1 {
		return nil, errors.NewProtocolError("closestream.parse", fmt.Errorf("expected >=1 AMF value, got %d", len(vals)))
	}
	name, ok := vals[0].(string)
	if !ok || name != "closeStream" {
		return nil, errors.NewProtocolError("closestream.parse", fmt.Errorf("first value must be string 'closeStream'"))
	}
	return &CloseStreamCommand{RawValues: vals}, nil
}
