package imagepayload

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D, 'I', 'H', 'D', 'R'}

func TestParseAcceptsImageDataURL(t *testing.T) {
	p, err := Parse("data:image/png;base64,AAAA")
	require.NoError(t, err)
	require.Equal(t, "image/png", p.MIMEType)
	require.Equal(t, []byte{0, 0, 0}, p.Data)
	require.Equal(t, "data:image/png;base64,AAAA", p.Raw)
}

func TestParseRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"empty", "   ", ErrEmpty},
		{"non image type", "data:text/plain;base64,aGVsbG8=", ErrNotImage},
		{"not base64 encoded", "data:image/png,hello", ErrMalformed},
		{"missing comma", "data:image/png;base64", ErrMalformed},
		{"bad base64", "data:image/png;base64,!!!!", ErrMalformed},
		{"empty body", "data:image/png;base64,", ErrEmpty},
		{"bare base64 text", base64.StdEncoding.EncodeToString([]byte("just some text")), ErrNotImage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.raw)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestParseSizeLimit(t *testing.T) {
	atLimit := make([]byte, MaxImageBytes)
	_, err := Parse(Encode("image/jpeg", atLimit))
	require.NoError(t, err)

	overLimit := make([]byte, MaxImageBytes+1)
	_, err = Parse(Encode("image/jpeg", overLimit))
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestParseSniffsBareBase64(t *testing.T) {
	p, err := Parse(base64.StdEncoding.EncodeToString(pngHeader))
	require.NoError(t, err)
	require.Equal(t, "image/png", p.MIMEType)
}

func TestFromReaderSniffsAndEncodes(t *testing.T) {
	p, err := FromReader("", bytes.NewReader(pngHeader))
	require.NoError(t, err)
	require.Equal(t, "image/png", p.MIMEType)
	require.True(t, strings.HasPrefix(p.Raw, "data:image/png;base64,"))

	parsed, err := Parse(p.Raw)
	require.NoError(t, err)
	require.Equal(t, pngHeader, parsed.Data)
}

func TestFromReaderRejectsDeclaredNonImage(t *testing.T) {
	_, err := FromReader("application/pdf", bytes.NewReader(pngHeader))
	require.ErrorIs(t, err, ErrNotImage)
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	small := filepath.Join(dir, "eye.png")
	require.NoError(t, os.WriteFile(small, pngHeader, 0o600))
	p, err := FromFile(small)
	require.NoError(t, err)
	require.Equal(t, len(pngHeader), p.Size())

	large := filepath.Join(dir, "large.png")
	require.NoError(t, os.WriteFile(large, append(pngHeader, make([]byte, MaxImageBytes)...), 0o600))
	_, err = FromFile(large)
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = FromFile(dir)
	require.Error(t, err)
}
