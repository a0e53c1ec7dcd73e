// Package imagepayload validates and encodes the image data URLs exchanged
// between the capture client and the prediction endpoint.
package imagepayload

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// MaxImageBytes is the largest decoded image accepted anywhere in the system.
const MaxImageBytes = 5 << 20

var (
	ErrEmpty     = errors.New("image data is empty")
	ErrMalformed = errors.New("image data is not a base64 data URL")
	ErrNotImage  = errors.New("payload is not an image")
	ErrTooLarge  = fmt.Errorf("image exceeds %d bytes", MaxImageBytes)
)

// Payload is a decoded image together with its declared type and the
// string it was parsed from.
type Payload struct {
	MIMEType string
	Data     []byte
	Raw      string
}

// Size returns the decoded size in bytes.
func (p *Payload) Size() int {
	return len(p.Data)
}

// DataURL encodes the payload as a base64 data URL.
func (p *Payload) DataURL() string {
	return Encode(p.MIMEType, p.Data)
}

// Encode builds a base64 data URL for data of the given type.
func Encode(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Parse validates an image submitted as a data URL. Bare base64 is accepted
// too; its type is then sniffed from the decoded bytes. A declared type is
// trusted as is.
func Parse(raw string) (*Payload, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, ErrEmpty
	}

	declared, encoded, err := splitDataURL(trimmed)
	if err != nil {
		return nil, err
	}
	if declared != "" && !isImageType(declared) {
		return nil, ErrNotImage
	}
	if base64.StdEncoding.DecodedLen(len(encoded)) > MaxImageBytes+2 {
		return nil, ErrTooLarge
	}

	data, err := decodeBase64(encoded)
	if err != nil {
		return nil, ErrMalformed
	}
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if len(data) > MaxImageBytes {
		return nil, ErrTooLarge
	}

	if declared == "" {
		declared = mediaType(mimetype.Detect(data).String())
		if !isImageType(declared) {
			return nil, ErrNotImage
		}
	}

	return &Payload{MIMEType: declared, Data: data, Raw: trimmed}, nil
}

// FromFile captures an image file for submission. Files over the size limit
// are rejected before they are read.
func FromFile(path string) (*Payload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > MaxImageBytes {
		return nil, ErrTooLarge
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return FromReader("", f)
}

// FromReader captures an image from r. An empty declaredType is replaced by
// the type sniffed from the content.
func FromReader(declaredType string, r io.Reader) (*Payload, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImageBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if len(data) > MaxImageBytes {
		return nil, ErrTooLarge
	}

	mimeType := mediaType(declaredType)
	if mimeType == "" {
		mimeType = mediaType(mimetype.Detect(data).String())
	}
	if !isImageType(mimeType) {
		return nil, ErrNotImage
	}

	p := &Payload{MIMEType: mimeType, Data: data}
	p.Raw = p.DataURL()
	return p, nil
}

func splitDataURL(s string) (mimeType, encoded string, err error) {
	if !strings.HasPrefix(strings.ToLower(s), "data:") {
		return "", s, nil
	}
	meta, encoded, ok := strings.Cut(s[len("data:"):], ",")
	if !ok {
		return "", "", ErrMalformed
	}

	params := strings.Split(meta, ";")
	isBase64 := false
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}
	if !isBase64 {
		return "", "", ErrMalformed
	}
	return mediaType(params[0]), encoded, nil
}

func decodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

func mediaType(t string) string {
	t, _, _ = strings.Cut(t, ";")
	return strings.ToLower(strings.TrimSpace(t))
}

func isImageType(t string) bool {
	return strings.HasPrefix(t, "image/")
}
