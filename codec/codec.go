package codec

import (
	"fmt"
	"strings"
)

type CodecType byte

const (
	CodecTypeJSON  CodecType = 0
	CodecTypeSonic CodecType = 1
)

// Codec serializes a single envelope into a frame payload and back.
// Both implementations produce plain JSON, so the peers may pick independently.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Sonic
	Name() string
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeSonic {
		return &SonicCodec{}
	}

	return &JSONCodec{}
}

// ParseCodecType maps a configuration value ("json", "sonic") to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json", "std":
		return CodecTypeJSON, nil
	case "sonic":
		return CodecTypeSonic, nil
	default:
		return CodecTypeJSON, fmt.Errorf("unknown codec %q", name)
	}
}
