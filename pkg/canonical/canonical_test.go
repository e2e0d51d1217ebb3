package canonical

import (
	"strings"
	"testing"
)

func TestMarshalSortsKeys(t *testing.T) {
	got, err := Marshal(map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": true, "y": false}})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"a":2,"b":1,"c":{"y":false,"z":true}}`
	if string(got) != want {
		t.Errorf("Marshal() = %s, want %s", got, want)
	}
}

func TestMarshalNumbers(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"integer", map[string]any{"n": 42}, `{"n":42}`},
		{"negative", map[string]any{"n": -7}, `{"n":-7}`},
		{"float shortest form", map[string]any{"n": 0.5}, `{"n":0.5}`},
		{"large int preserved", map[string]any{"n": int64(1 << 53)}, `{"n":9007199254740992}`},
		{"trailing zeros dropped", map[string]any{"n": 1.50}, `{"n":1.5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.in)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Marshal() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMarshalStructTags(t *testing.T) {
	type payload struct {
		Second string `json:"second"`
		First  string `json:"first"`
		Skip   string `json:"-"`
	}
	got, err := Marshal(payload{Second: "2", First: "1", Skip: "x"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(got) != `{"first":"1","second":"2"}` {
		t.Errorf("Marshal() = %s", got)
	}
}

func TestHashDeterministic(t *testing.T) {
	a, err := Hash(map[string]any{"x": 1, "y": "z"})
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	b, err := Hash(map[string]any{"y": "z", "x": 1})
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if a != b {
		t.Errorf("hashes differ for equivalent values: %s vs %s", a, b)
	}
	if len(a) != 64 || strings.ToLower(a) != a {
		t.Errorf("hash is not lowercase hex sha256: %s", a)
	}
}

func TestHMACRoundTrip(t *testing.T) {
	key := []byte("signing-secret")
	v := map[string]any{"dct_id": "d1", "child_id": "c1", "scopes": []string{"fs:read:*"}}

	sig, err := HMAC(key, v)
	if err != nil {
		t.Fatalf("HMAC() error = %v", err)
	}
	if !VerifyHMAC(key, v, sig) {
		t.Error("VerifyHMAC() = false for valid signature")
	}
	if VerifyHMAC([]byte("other"), v, sig) {
		t.Error("VerifyHMAC() = true under wrong key")
	}
	if VerifyHMAC(key, map[string]any{"dct_id": "d2"}, sig) {
		t.Error("VerifyHMAC() = true for tampered payload")
	}
}
