// Package payload defines the typed data attached to object nodes and how each
// type is serialized for upload.
//
// Every payload implements [Payload]. Serialize must be pure: it must not
// modify the payload and must return the same bytes on every call. A
// Serialize error is permanent; the upload engine reports it against the
// object and never retries it.
//
// Objects are serialized once, through [Encode], when they are created. The
// resulting [Encoded] owns its bytes, so the caller may reuse the original
// value afterwards.
package payload

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// ErrSerialization is returned when a payload cannot be converted to bytes.
var ErrSerialization = errors.New("payload: serialization failed")

// Content types produced by the built-in payloads.
const (
	ContentTypeText       = "text/plain; charset=utf-8"
	ContentTypeStructured = "application/cbor"
	ContentTypeBinary     = "application/octet-stream"
)

// Payload is a typed unit of data that can be serialized for upload.
type Payload interface {
	// Serialize returns the wire bytes and their content type.
	Serialize() ([]byte, string, error)
}

// Text is a UTF-8 string payload.
type Text string

// Serialize implements Payload.
func (t Text) Serialize() ([]byte, string, error) {
	if !utf8.ValidString(string(t)) {
		return nil, "", fmt.Errorf("%w: text is not valid UTF-8", ErrSerialization)
	}
	return []byte(t), ContentTypeText, nil
}

// Image is an already-encoded image (PNG, JPEG, ...) with its MIME type.
type Image struct {
	data     []byte
	mimeType string
}

// NewImage returns an image payload. The data is copied. If mimeType is
// empty it is sniffed from the data.
func NewImage(data []byte, mimeType string) Image {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return Image{data: bytes.Clone(data), mimeType: mimeType}
}

// GrayscaleImage encodes single-channel 8-bit pixels, row-major, as a PNG.
func GrayscaleImage(pixels []byte, width, height int) (Image, error) {
	if width <= 0 || height <= 0 {
		return Image{}, fmt.Errorf("%w: invalid image size %dx%d", ErrSerialization, width, height)
	}
	if len(pixels) != width*height {
		return Image{}, fmt.Errorf("%w: got %d pixels for %dx%d image", ErrSerialization, len(pixels), width, height)
	}
	img := image.NewGray(image.Rect(0, 0, width, height))
	copy(img.Pix, pixels)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Image{}, fmt.Errorf("%w: encode png: %v", ErrSerialization, err)
	}
	return Image{data: buf.Bytes(), mimeType: "image/png"}, nil
}

// MimeType returns the image MIME type.
func (i Image) MimeType() string {
	return i.mimeType
}

// Serialize implements Payload.
func (i Image) Serialize() ([]byte, string, error) {
	if len(i.data) == 0 {
		return nil, "", fmt.Errorf("%w: empty image", ErrSerialization)
	}
	if !strings.HasPrefix(i.mimeType, "image/") {
		return nil, "", fmt.Errorf("%w: %q is not an image type", ErrSerialization, i.mimeType)
	}
	return i.data, i.mimeType, nil
}

// Bytes is opaque binary data with an explicit content type.
type Bytes struct {
	Data        []byte
	ContentType string
}

// Serialize implements Payload.
func (b Bytes) Serialize() ([]byte, string, error) {
	ct := b.ContentType
	if ct == "" {
		ct = ContentTypeBinary
	}
	return b.Data, ct, nil
}

// encMode encodes structured payloads with Core Deterministic Encoding so the
// same value always produces the same bytes.
var encMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	mode, err := opts.EncMode()
	if err != nil {
		panic("payload: CBOR encoder initialization failed: " + err.Error())
	}
	return mode
}()

// Structured is an arbitrary Go value encoded as CBOR.
type Structured struct {
	Value any
}

// NewStructured wraps v as a structured payload.
func NewStructured(v any) Structured {
	return Structured{Value: v}
}

// Serialize implements Payload.
func (s Structured) Serialize() ([]byte, string, error) {
	data, err := encMode.Marshal(s.Value)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, ContentTypeStructured, nil
}

// Encoded is a payload that has already been serialized. It holds either the
// bytes and content type or the serialization error.
type Encoded struct {
	data        []byte
	contentType string
	err         error
}

// Encode serializes p and returns the result as an Encoded payload. The bytes
// are copied, so later changes to memory referenced by p do not affect it.
// A failing or panicking Serialize yields an Encoded carrying an error
// wrapping ErrSerialization. Encoding an Encoded returns it unchanged.
func Encode(p Payload) (enc Encoded) {
	if e, ok := p.(Encoded); ok {
		return e
	}
	if p == nil {
		return Encoded{err: fmt.Errorf("%w: nil payload", ErrSerialization)}
	}

	defer func() {
		if r := recover(); r != nil {
			enc = Encoded{err: fmt.Errorf("%w: %T panicked: %v", ErrSerialization, p, r)}
		}
	}()

	data, contentType, err := p.Serialize()
	if err != nil {
		if !errors.Is(err, ErrSerialization) {
			err = fmt.Errorf("%w: %w", ErrSerialization, err)
		}
		return Encoded{err: err}
	}
	return Encoded{data: bytes.Clone(data), contentType: contentType}
}

// Serialize implements Payload.
func (e Encoded) Serialize() ([]byte, string, error) {
	return e.data, e.contentType, e.err
}

// Err returns the serialization error, if any.
func (e Encoded) Err() error {
	return e.err
}

// Infer picks a payload type for raw data:
//   - a Payload is returned unchanged
//   - string and fmt.Stringer become Text
//   - []byte becomes an Image when it sniffs as one, otherwise Bytes
//   - anything else becomes Structured
func Infer(data any) Payload {
	switch v := data.(type) {
	case Payload:
		return v
	case string:
		return Text(v)
	case fmt.Stringer:
		return Text(v.String())
	case []byte:
		ct := http.DetectContentType(v)
		if strings.HasPrefix(ct, "image/") {
			return NewImage(v, ct)
		}
		return Bytes{Data: bytes.Clone(v), ContentType: ct}
	default:
		return Structured{Value: v}
	}
}
