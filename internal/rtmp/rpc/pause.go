package rpc

import (
	"fmt"

	"github.com/alxayo/rtmpcore/internal/errors"
	"github.com/alxayo/rtmpcore/internal/rtmp/amf"
	"github.com/alxayo/rtmpcore/internal/rtmp/chunk"
)

// PauseCommand represents a parsed "pause" command, sent by a playing client
// to suspend or resume delivery without tearing down the stream.
//
// Expected AMF0 sequence:
//
//	0: "pause" (string)
//	1: transaction ID (number, typically 0) - ignored
//	2: null (command object placeholder) - ignored
//	3: pause (boolean) - true to pause, false to resume
//	4: milliSeconds (number) - playback position at the time of the request
type PauseCommand struct {
	Pause        bool
	MilliSeconds int64
}

// ParsePauseCommand parses an RTMP AMF0 "pause" invocation.
func ParsePauseCommand(msg *chunk.Message) (*PauseCommand, error) {
	if msg == nil {
		return nil, errors.NewProtocolError("pause.parse", fmt.Errorf("nil message"))
	}
	if msg.TypeID != commandMessageAMF0TypeID {
		return nil, errors.NewProtocolError("pause.parse", fmt.Errorf("unexpected message type %d", msg.TypeID))
	}
	vals, err := amf.DecodeAll(msg.Payload)
	if err != nil {
		return nil, errors.NewProtocolError("pause.parse.decode", err)
	}
	if len(vals) < 4 {
		return nil, errors.NewProtocolError("pause.parse", fmt.Errorf("expected >=4 AMF values, got %d", len(vals)))
	}
	name, ok := vals[0].(string)
	if !ok || name != "pause" {
		return nil, errors.NewProtocolError("pause.parse", fmt.Errorf("first value must be string 'pause'"))
	}
	pause, ok := vals[3].(bool)
	if !ok {
		return nil, errors.NewProtocolError("pause.parse", fmt.Errorf("pause flag must be boolean"))
	}
	pc := &PauseCommand{Pause: pause}
	if len(vals) >= 5 {
		if v, ok := vals[4].(float64); ok {
			pc.MilliSeconds = int64(v)
		}
	}
	return pc, nil
}
