package chat

import (
	"strings"
	"testing"
)

func TestValidateText(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"normal message", "hello there", false},
		{"empty", "", true},
		{"max chars exactly", strings.Repeat("a", MaxTextChars), false},
		{"too many chars", strings.Repeat("a", MaxTextChars+1), true},
		// 1400 runes (under the char limit) at 3 bytes each is 4200 bytes.
		{"too many bytes", strings.Repeat("你", 1400), true},
		// 1365 three-byte runes plus one ASCII byte is exactly 4096 bytes.
		{"max bytes exactly", strings.Repeat("你", 1365) + "a", false},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
		{"unicode ok", "héllo wörld 你好", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateText(tc.text)
			if tc.wantErr && err == nil {
				t.Errorf("expected error for case %q, got nil", tc.name)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
