package nsq

import (
	"encoding/binary"
	"fmt"
	"io"
	"regexp"
)

// MagicV2 is the initial identifier sent when connecting for a V2 handshake
var MagicV2 = []byte("  V2")

// frame types, as sent by nsqd on the wire (a leading size:i32 | frame_type:i32)
const (
	FrameTypeResponse int32 = 0
	FrameTypeError    int32 = 1
	FrameTypeMessage  int32 = 2
)

var validTopicChannelNameRegex = regexp.MustCompile(`^[\.a-zA-Z0-9_-]+(#ephemeral)?$`)

// IsValidTopicName checks a topic name for correctness
func IsValidTopicName(name string) bool {
	return isValidName(name)
}

// IsValidChannelName checks a channel name for correctness
func IsValidChannelName(name string) bool {
	return isValidName(name)
}

func isValidName(name string) bool {
	if len(name) < 1 || len(name) > 64 {
		return false
	}
	return validTopicChannelNameRegex.MatchString(name)
}

// ReadResponse reads a length-prefixed response frame from r
func ReadResponse(r io.Reader) ([]byte, error) {
	var msgSize int32

	// message size
	err := binary.Read(r, binary.BigEndian, &msgSize)
	if err != nil {
		return nil, err
	}

	if msgSize <= 0 {
		return nil, fmt.Errorf("invalid msgSize %d", msgSize)
	}

	// message binary data
	buf := make([]byte, msgSize)
	_, err = io.ReadFull(r, buf)
	if err != nil {
		return nil, err
	}

	return buf, nil
}

// UnpackResponse splits a frame (as returned by ReadResponse) into its
// frame type and payload
func UnpackResponse(response []byte) (int32, []byte, error) {
	if len(response) < 4 {
		return -1, nil, fmt.Errorf("length of response is too small")
	}

	return int32(binary.BigEndian.Uint32(response)), response[4:], nil
}
