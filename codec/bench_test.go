package codec

import (
	"testing"

	"hostbridge/message"
)

func benchmarkCall(b *testing.B, c Codec) {
	call, err := message.NewCall("Browser", "EvalJavaScript", 3, map[string]any{
		"code":      "document.title",
		"scriptUrl": "about:blank",
		"startLine": 1,
	})
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := message.MarshalCall(c, call)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := message.Unmarshal(c, data); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCodecJSON(b *testing.B) {
	benchmarkCall(b, GetCodec(CodecTypeJSON))
}

func BenchmarkCodecSonic(b *testing.B) {
	benchmarkCall(b, GetCodec(CodecTypeSonic))
}
