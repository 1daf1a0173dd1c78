package clusterserver

import (
	"encoding/json"
	"fmt"

	"connectrpc.com/connect"
)

// CodecName is the name the JSON codec is registered under. Clients and
// handlers must agree on it.
const CodecName = "json"

// jsonCodec marshals plain Go structs. The default connect JSON codec only
// accepts protobuf messages.
type jsonCodec struct{}

// Codec returns the codec used by every cluster, topology and admin
// procedure.
func Codec() connect.Codec {
	return jsonCodec{}
}

func (jsonCodec) Name() string { return CodecName }

func (jsonCodec) Marshal(msg any) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", msg, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("unmarshal %T: %w", msg, err)
	}
	return nil
}
