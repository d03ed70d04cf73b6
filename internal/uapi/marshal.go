package uapi

import (
	"encoding/binary"
	"fmt"
)

// ArgsWireSize is the encoded size of Args: a kind byte, a count byte, two pad
// bytes and MAX_ARG_WORDS little-endian words.
const ArgsWireSize = 4 + 4*MAX_ARG_WORDS

// MarshalArgs encodes a notification's kind and argument words for consumers
// living outside the process.
func MarshalArgs(kind uint8, a *Args) []byte {
	buf := make([]byte, ArgsWireSize)
	buf[0] = kind
	buf[1] = uint8(a.Count)

	for i, w := range a.Words {
		binary.LittleEndian.PutUint32(buf[4+4*i:8+4*i], w)
	}

	return buf
}

// UnmarshalArgs decodes what MarshalArgs produced.
func UnmarshalArgs(data []byte) (uint8, Args, error) {
	var a Args
	if len(data) < ArgsWireSize {
		return 0, a, fmt.Errorf("insufficient data for notification args: need %d, got %d", ArgsWireSize, len(data))
	}

	kind := data[0]
	if kind > NOTIFY_READ {
		return 0, a, fmt.Errorf("unknown notification kind %d", kind)
	}

	a.Count = int(data[1])
	if a.Count > MAX_ARG_WORDS {
		return 0, a, fmt.Errorf("argument count %d exceeds %d", a.Count, MAX_ARG_WORDS)
	}

	for i := range a.Words {
		a.Words[i] = binary.LittleEndian.Uint32(data[4+4*i : 8+4*i])
	}

	return kind, a, nil
}
