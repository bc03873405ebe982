// Package codec normalizes uploaded images into the single format the stores keep.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"mime"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	// Registers the WebP decoder with image.Decode for WebP uploads.
	_ "golang.org/x/image/webp"
)

// MimeWebP is the mime type of every normalized image.
const MimeWebP = "image/webp"

var (
	ErrTooLarge     = errors.New("image too large")
	ErrInvalidImage = errors.New("invalid image")
)

var allowedContentTypes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/webp": {},
}

// DefaultMaxPixels bounds the declared width*height of an upload so that a small
// file cannot make the decoder allocate an arbitrarily large frame.
const DefaultMaxPixels = 178_956_970

type Options struct {
	MaxUploadBytes int64
	MaxDimension   int
	Quality        int
	// MaxPixels is checked against the image header before decoding. Zero means
	// DefaultMaxPixels.
	MaxPixels int64
}

func DefaultOptions() Options {
	return Options{
		MaxUploadBytes: 10 * 1024 * 1024,
		MaxDimension:   1600,
		Quality:        80,
		MaxPixels:      DefaultMaxPixels,
	}
}

// IsAllowedContentType reports whether a declared upload content type may be
// handed to Normalize. Media type parameters are ignored.
func IsAllowedContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	_, ok := allowedContentTypes[strings.ToLower(mediaType)]
	return ok
}

// Normalize decodes raw, converts it to RGB or grayscale, shrinks it to fit within
// opts.MaxDimension on both sides and re-encodes it as lossy WebP.
func Normalize(raw []byte, opts Options) ([]byte, string, error) {
	const op = "codec.Normalize"

	if int64(len(raw)) > opts.MaxUploadBytes {
		return nil, "", fmt.Errorf("%s: %w: %d bytes exceeds limit of %d", op, ErrTooLarge, len(raw), opts.MaxUploadBytes)
	}

	if err := checkDimensions(raw, opts.MaxPixels); err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}

	src, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w: %v", op, ErrInvalidImage, err)
	}

	img := normalizeColor(src)

	b := img.Bounds()
	if b.Dx() > opts.MaxDimension || b.Dy() > opts.MaxDimension {
		fitted := imaging.Fit(img, opts.MaxDimension, opts.MaxDimension, imaging.Lanczos)
		if _, gray := img.(*image.Gray); gray {
			img = toGray(fitted)
		} else {
			img = fitted
		}
	}

	var out bytes.Buffer
	if err := webp.Encode(&out, img, &webp.Options{Quality: float32(opts.Quality)}); err != nil {
		return nil, "", fmt.Errorf("%s: encode: %w", op, err)
	}
	return out.Bytes(), MimeWebP, nil
}

// checkDimensions reads only the image header.
func checkDimensions(raw []byte, maxPixels int64) error {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("%w: empty image %dx%d", ErrInvalidImage, cfg.Width, cfg.Height)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > maxPixels {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrInvalidImage, cfg.Width, cfg.Height, maxPixels)
	}
	return nil
}

// normalizeColor keeps 8-bit grayscale as is and turns every other model into
// opaque NRGBA. Alpha is dropped, not composited.
func normalizeColor(src image.Image) image.Image {
	if g, ok := src.(*image.Gray); ok {
		return g
	}

	dst := imaging.Clone(src)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

func toGray(src image.Image) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}
