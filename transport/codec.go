package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MediaType is the media type of an encoded Message.
const MediaType = "application/vnd.observation-tools.node.v1+cbor"

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2), so the same
// message always encodes to the same bytes and its digest is stable across
// retries.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes msg as CBOR.
func Marshal(msg *Message) ([]byte, error) {
	data, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("transport: encode message: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a CBOR message produced by Marshal.
func Unmarshal(data []byte, msg *Message) error {
	if err := decMode.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("transport: decode message: %w", err)
	}
	return nil
}
