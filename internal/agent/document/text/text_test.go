package text

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"plain", []byte("hello\nworld"), "hello\nworld"},
		{"utf8 bom", []byte("\xef\xbb\xbfhello"), "hello"},
		{"utf16le bom", []byte{0xff, 0xfe, 'h', 0, 'i', 0}, "hi"},
		{"crlf", []byte("a\r\nb\rc"), "a\nb\nc"},
		{"invalid bytes", []byte("ok\xff!"), "ok\uFFFD!"},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := New().Extract(context.Background(), tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Text)
			assert.Nil(t, out.Image)
		})
	}
}
