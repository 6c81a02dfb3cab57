package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateLog(t *testing.T) {
	tests := []struct {
		name  string
		input string
		max   int
		want  string
	}{
		{"empty", "", 10, ""},
		{"under limit", "invalid_grant", 64, "invalid_grant"},
		{"exact limit", "0123456789", 10, "0123456789"},
		{"over limit", `{"error":"invalid_client"}`, 9, `{"error":... [truncated, 26 bytes total]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TruncateLog(tt.input, tt.max))
		})
	}
}

func TestTruncateBytes(t *testing.T) {
	assert.Equal(t, "bad gateway", TruncateBytes([]byte("bad gateway")))

	body := strings.Repeat("x", 2000)
	got := TruncateBytes([]byte(body))
	assert.True(t, strings.HasPrefix(got, body[:DefaultLogMaxLen]))
	assert.True(t, strings.HasSuffix(got, "[truncated, 2000 bytes total]"))
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		max   int
		want  string
	}{
		{"under limit", "hello", 10, "hello"},
		{"exact limit", "hello", 5, "hello"},
		{"over limit", "hello world", 5, "hello... [truncated]"},
		{"multibyte", "ナマステ世界", 4, "ナマステ... [truncated]"},
		{"disabled", "hello", 0, "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TruncateRunes(tt.input, tt.max, "... [truncated]"))
		})
	}
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "***", MaskToken("short"))
	assert.Equal(t, "...klmnop", MaskToken("ya29.a0AfH6SMBx-abcdefghijklmnop"))
}

func TestIsVerbose(t *testing.T) {
	for value, want := range map[string]bool{"Yes": true, "1": true, "true": true, "0": false, "": false} {
		t.Setenv("ORCA_VERBOSE", value)
		assert.Equal(t, want, IsVerbose(), value)
	}
}
