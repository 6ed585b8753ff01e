package codec

import (
	"github.com/bytedance/sonic"
)

// SonicCodec uses bytedance/sonic with the std-compatible config so that
// field order, HTML escaping and json.Marshaler hooks match encoding/json.
type SonicCodec struct{}

var sonicAPI = sonic.ConfigStd

func (c *SonicCodec) Encode(v any) ([]byte, error) {
	return sonicAPI.Marshal(v)
}

func (c *SonicCodec) Decode(data []byte, v any) error {
	return sonicAPI.Unmarshal(data, v)
}

func (c *SonicCodec) Type() CodecType {
	return CodecTypeSonic
}

func (c *SonicCodec) Name() string {
	return "sonic"
}
