package processing

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
)

var ErrUnsupportedFormat = errors.New("unsupported image format")

// Output is an encoded, processed image.
type Output struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

func (o Output) ContentType() string {
	return ContentTypeFor(o.Format)
}

type Transformer interface {
	Transform(ctx context.Context, input []byte, opts Options) (Output, error)
}

// NewTransformer returns the backend selected at build time.
func NewTransformer() (Transformer, error) {
	return newTransformer()
}

func ContentTypeFor(format string) string {
	switch format {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatGIF:
		return "image/gif"
	case FormatWebP:
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

func normalizeOutputFormat(format string) string {
	switch format {
	case "jpg":
		return FormatJPEG
	case FormatJPEG, FormatPNG, FormatGIF, FormatWebP:
		return format
	default:
		return FormatPNG
	}
}

// geometry describes a resize: the source region to sample, the canvas
// size, and where the sampled region lands on the canvas.
type geometry struct {
	canvas image.Point
	src    image.Rectangle
	dst    image.Rectangle
}

// fits rejects a canvas that grows past limit on either side. One requested
// side and an extreme source aspect ratio can derive a huge other side.
func (g geometry) fits(srcW, srcH, limit int) error {
	if limit <= 0 {
		limit = DefaultMaxDimension
	}
	if g.canvas.X > max(limit, srcW) || g.canvas.Y > max(limit, srcH) {
		return fmt.Errorf("%w: output %dx%d exceeds %d", ErrMalformedCommand, g.canvas.X, g.canvas.Y, limit)
	}
	return nil
}

func (g geometry) identity(srcW, srcH int) bool {
	return g.canvas == image.Pt(srcW, srcH) &&
		g.src == image.Rect(0, 0, srcW, srcH) &&
		g.dst == g.src
}

func planGeometry(srcW, srcH int, opts Options) geometry {
	full := image.Rect(0, 0, srcW, srcH)
	if !opts.Resizes() || srcW <= 0 || srcH <= 0 {
		return geometry{canvas: full.Max, src: full, dst: full}
	}

	w, h := opts.Width, opts.Height
	if w <= 0 || h <= 0 {
		if w <= 0 {
			w = max(1, roundInt(float64(srcW)*float64(h)/float64(srcH)))
		} else {
			h = max(1, roundInt(float64(srcH)*float64(w)/float64(srcW)))
		}
		if opts.Mode == ModeMin && (w > srcW || h > srcH) {
			return geometry{canvas: full.Max, src: full, dst: full}
		}
		return geometry{canvas: image.Pt(w, h), src: full, dst: image.Rect(0, 0, w, h)}
	}

	sx := float64(w) / float64(srcW)
	sy := float64(h) / float64(srcH)

	switch opts.Mode {
	case ModeStretch:
		return geometry{canvas: image.Pt(w, h), src: full, dst: image.Rect(0, 0, w, h)}
	case ModeMax, ModeMin:
		s := math.Min(sx, sy)
		if opts.Mode == ModeMin {
			s = math.Max(sx, sy)
			if s >= 1 {
				return geometry{canvas: full.Max, src: full, dst: full}
			}
		}
		cw := max(1, roundInt(float64(srcW)*s))
		ch := max(1, roundInt(float64(srcH)*s))
		return geometry{canvas: image.Pt(cw, ch), src: full, dst: image.Rect(0, 0, cw, ch)}
	case ModePad:
		s := math.Min(sx, sy)
		iw := min(w, max(1, roundInt(float64(srcW)*s)))
		ih := min(h, max(1, roundInt(float64(srcH)*s)))
		ox, oy := (w-iw)/2, (h-ih)/2
		return geometry{canvas: image.Pt(w, h), src: full, dst: image.Rect(ox, oy, ox+iw, oy+ih)}
	default:
		s := math.Max(sx, sy)
		cw := min(srcW, max(1, roundInt(float64(w)/s)))
		ch := min(srcH, max(1, roundInt(float64(h)/s)))
		x0, y0 := (srcW-cw)/2, (srcH-ch)/2
		return geometry{canvas: image.Pt(w, h), src: image.Rect(x0, y0, x0+cw, y0+ch), dst: image.Rect(0, 0, w, h)}
	}
}

func roundInt(v float64) int {
	return int(math.Round(v))
}
