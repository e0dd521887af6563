// Package imaging encodes page images for storage and synthesis.
package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"strings"
	"unicode"

	"github.com/minio/highwayhash"
)

type Format string

const (
	FormatJPEG Format = "JPEG"
	FormatPNG  Format = "PNG"
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "JPEG", "JPG":
		return FormatJPEG, nil
	case "PNG":
		return FormatPNG, nil
	default:
		return "", fmt.Errorf("unsupported image format %q", s)
	}
}

// Codec encodes images in the configured format. Quality applies to JPEG only.
type Codec struct {
	Format  Format
	Quality int
}

func NewCodec(format string, quality int) (Codec, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return Codec{}, err
	}
	if quality < 1 || quality > 100 {
		return Codec{}, fmt.Errorf("image quality %d out of range 1-100", quality)
	}
	return Codec{Format: f, Quality: quality}, nil
}

func (c Codec) Encode(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("nil image")
	}
	var buf bytes.Buffer
	switch c.Format {
	case FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("png encode: %w", err)
		}
	default:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.Quality}); err != nil {
			return nil, fmt.Errorf("jpeg encode: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func (c Codec) ContentType() string {
	if c.Format == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

func (c Codec) Extension() string {
	if c.Format == FormatPNG {
		return "png"
	}
	return "jpg"
}

// DataURL returns the encoded image as a base64 data URL.
func (c Codec) DataURL(img image.Image) (string, error) {
	data, err := c.Encode(img)
	if err != nil {
		return "", err
	}
	return "data:" + c.ContentType() + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// ObjectName builds the storage key for a point's image.
func ObjectName(source string, pointID uint64, ext string) string {
	safe := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '_'
	}, source)
	return fmt.Sprintf("%s_idx%d.%s", safe, pointID, ext)
}

var hashKey = []byte("pagelens-image-hash-key-32-bytes")

// Hash returns a hex highwayhash of the encoded image bytes.
func Hash(data []byte) (string, error) {
	h, err := highwayhash.New64(hashKey)
	if err != nil {
		return "", err
	}
	if _, err := h.Write(data); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
