package codec

import (
	"encoding/json"
	"testing"

	"hostbridge/message"
)

func TestCodecsRoundTripCall(t *testing.T) {
	for _, c := range []Codec{&JSONCodec{}, &SonicCodec{}} {
		t.Run(c.Name(), func(t *testing.T) {
			original := &message.Call{
				ID:         message.MustParseToken("11111111-1111-1111-1111-111111111111"),
				Target:     "Browser",
				Method:     "LoadUrl",
				InstanceID: 7,
				Arguments:  json.RawMessage(`{"url":"https://example.com"}`),
			}

			data, err := message.MarshalCall(c, original)
			if err != nil {
				t.Fatalf("%s Encode failed: %v", c.Name(), err)
			}

			env, err := message.Unmarshal(c, data)
			if err != nil {
				t.Fatalf("%s Decode failed: %v", c.Name(), err)
			}
			if env.Kind() != message.KindCall {
				t.Fatalf("kind mismatch: got %v, want call", env.Kind())
			}
			got := env.Call
			if got.ID != original.ID || got.Target != original.Target || got.Method != original.Method || got.InstanceID != original.InstanceID {
				t.Errorf("header mismatch: got %+v, want %+v", got, original)
			}
			if string(got.Arguments) != string(original.Arguments) {
				t.Errorf("arguments mismatch: got %s, want %s", got.Arguments, original.Arguments)
			}

			again, err := message.MarshalCall(c, got)
			if err != nil {
				t.Fatalf("%s re-encode failed: %v", c.Name(), err)
			}
			if string(again) != string(data) {
				t.Errorf("round trip not idempotent:\n got %s\nwant %s", again, data)
			}
		})
	}
}

func TestCodecsAgreeOnReply(t *testing.T) {
	reply := message.MustReply(message.MustParseToken("11111111-1111-1111-1111-111111111111"), false)

	std, err := message.MarshalReply(&JSONCodec{}, reply)
	if err != nil {
		t.Fatalf("JSON Encode failed: %v", err)
	}
	fast, err := message.MarshalReply(&SonicCodec{}, reply)
	if err != nil {
		t.Fatalf("Sonic Encode failed: %v", err)
	}

	want := `{"requestId":"11111111-1111-1111-1111-111111111111","success":true,"returnValue":false,"error":null}`
	if string(std) != want {
		t.Errorf("json: got %s, want %s", std, want)
	}
	if string(fast) != want {
		t.Errorf("sonic: got %s, want %s", fast, want)
	}
}

func TestParseCodecType(t *testing.T) {
	cases := map[string]CodecType{"": CodecTypeJSON, "json": CodecTypeJSON, "SONIC": CodecTypeSonic}
	for in, want := range cases {
		got, err := ParseCodecType(in)
		if err != nil {
			t.Fatalf("ParseCodecType(%q) failed: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseCodecType(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseCodecType("gob"); err == nil {
		t.Error("expected error for unknown codec")
	}
	if GetCodec(CodecTypeSonic).Name() != "sonic" || GetCodec(CodecTypeJSON).Name() != "json" {
		t.Error("GetCodec returned the wrong implementation")
	}
}
