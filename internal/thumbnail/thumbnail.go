// Package thumbnail renders small JPEG previews of stored photos.
package thumbnail

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"strings"

	"golang.org/x/image/draw"

	"photovault/internal/models"
)

const (
	DefaultMaxEdge = 320
	jpegQuality    = 80
	// maxSourcePixels bounds decode memory for hostile headers.
	maxSourcePixels = 80_000_000
)

var supported = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
}

// ContentType is the media type of every generated thumbnail.
const ContentType = "image/jpeg"

// Supported reports whether a thumbnail can be generated for contentType.
func Supported(contentType string) bool {
	_, ok := supported[strings.ToLower(strings.TrimSpace(contentType))]
	return ok
}

// Generator scales images so their longest edge fits MaxEdge.
type Generator struct {
	maxEdge int
}

// New returns a generator; maxEdge <= 0 selects DefaultMaxEdge.
func New(maxEdge int) *Generator {
	if maxEdge <= 0 {
		maxEdge = DefaultMaxEdge
	}
	return &Generator{maxEdge: maxEdge}
}

// Generate decodes r and returns the thumbnail encoded as JPEG. Images that
// already fit are re-encoded at their original size.
func (g *Generator) Generate(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read source image: %w", err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image header: %v", models.ErrInvalidArgument, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > maxSourcePixels {
		return nil, fmt.Errorf("%w: image dimensions %dx%d not supported", models.ErrInvalidArgument, cfg.Width, cfg.Height)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", models.ErrInvalidArgument, err)
	}

	w, h := fit(src.Bounds().Dx(), src.Bounds().Dy(), g.maxEdge)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	// JPEG has no alpha; transparent areas come out white.
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func fit(w, h, maxEdge int) (int, int) {
	if w <= maxEdge && h <= maxEdge {
		return w, h
	}
	if w >= h {
		nh := h * maxEdge / w
		if nh < 1 {
			nh = 1
		}
		return maxEdge, nh
	}
	nw := w * maxEdge / h
	if nw < 1 {
		nw = 1
	}
	return nw, maxEdge
}
