package canonical

import (
	"strings"
	"testing"
)

func TestMarshal_SortsKeysAndOmitsWhitespace(t *testing.T) {
	b, err := Marshal(map[string]any{
		"zeta":  1,
		"alpha": "x",
		"mid":   map[string]any{"b": true, "a": nil},
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"alpha":"x","mid":{"a":null,"b":true},"zeta":1}`
	if string(b) != want {
		t.Fatalf("got %s want %s", b, want)
	}
}

func TestMarshal_DeterministicAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"one": 1, "two": 2, "three": 3, "nested": map[string]any{"x": "y", "w": "v"}}
	b := map[string]any{"nested": map[string]any{"w": "v", "x": "y"}, "three": 3, "two": 2, "one": 1}
	ba, err := Marshal(a)
	if err != nil {
		t.Fatalf("Marshal a: %v", err)
	}
	bb, err := Marshal(b)
	if err != nil {
		t.Fatalf("Marshal b: %v", err)
	}
	if string(ba) != string(bb) {
		t.Fatalf("encodings differ: %s vs %s", ba, bb)
	}
}

func TestMarshal_PreservesLargeIntegers(t *testing.T) {
	b, err := Marshal(map[string]any{"expiresAt": int64(1767225600123)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `{"expiresAt":1767225600123}` {
		t.Fatalf("integer mangled: %s", b)
	}
}

func TestMarshal_StructFollowsJSONTags(t *testing.T) {
	type payload struct {
		B string `json:"b"`
		A string `json:"a"`
	}
	b, err := Marshal(payload{B: "2", A: "1"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `{"a":"1","b":"2"}` {
		t.Fatalf("unexpected encoding: %s", b)
	}
}

func TestSHA256Hex_MatchesBytes(t *testing.T) {
	h, b, err := SHA256Hex(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("SHA256Hex: %v", err)
	}
	if len(h) != 64 || strings.ToLower(h) != h {
		t.Fatalf("hash not lowercase hex sha256: %s", h)
	}
	if string(b) != `{"k":"v"}` {
		t.Fatalf("unexpected canonical bytes: %s", b)
	}
}
