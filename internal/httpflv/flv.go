package httpflv

import (
	"encoding/binary"

	"github.com/alxayo/rtmpcore/internal/rtmp/chunk"
)

// flvHeader builds the 9-byte FLV file header plus the trailing 4-byte
// "previous tag size 0" field that precedes the first tag.
func flvHeader(hasAudio, hasVideo bool) []byte {
	var flags byte
	if hasAudio {
		flags |= 0x04
	}
	if hasVideo {
		flags |= 0x01
	}
	h := make([]byte, 13)
	h[0], h[1], h[2] = 'F', 'L', 'V'
	h[3] = 1 // version
	h[4] = flags
	binary.BigEndian.PutUint32(h[5:9], 9) // header size
	// h[9:13] is PreviousTagSize0, already zero
	return h
}

// muxTag converts an RTMP message (audio/video/script-data, TypeID 8/9/18 —
// identical to the FLV tag type byte) into a standalone FLV tag with its
// trailing previous-tag-size field, so a run of tags can be concatenated
// directly onto an http.ResponseWriter.
func muxTag(msg *chunk.Message) []byte {
	dataSize := len(msg.Payload)
	tag := make([]byte, 11+dataSize+4)
	tag[0] = msg.TypeID
	tag[1] = byte(dataSize >> 16)
	tag[2] = byte(dataSize >> 8)
	tag[3] = byte(dataSize)
	ts := msg.Timestamp
	tag[4] = byte(ts >> 16)
	tag[5] = byte(ts >> 8)
	tag[6] = byte(ts)
	tag[7] = byte(ts >> 24) // extended timestamp byte (upper 8 bits)
	// tag[8:11] StreamID, always 0
	copy(tag[11:11+dataSize], msg.Payload)
	prevTagSize := uint32(11 + dataSize)
	binary.BigEndian.PutUint32(tag[11+dataSize:], prevTagSize)
	return tag
}
