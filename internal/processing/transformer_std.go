package processing

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const defaultJPEGQuality = 75

type stdlibTransformer struct{}

func (t stdlibTransformer) Transform(ctx context.Context, input []byte, opts Options) (Output, error) {
	select {
	case <-ctx.Done():
		return Output{}, ctx.Err()
	default:
	}

	_, srcFormat, err := image.DecodeConfig(bytes.NewReader(input))
	if err != nil {
		return Output{}, fmt.Errorf("decode source image: %w", err)
	}
	// JPEG sources are rotated upright from their EXIF orientation.
	src, err := imaging.Decode(bytes.NewReader(input), imaging.AutoOrientation(true))
	if err != nil {
		return Output{}, fmt.Errorf("decode source image: %w", err)
	}

	out, err := resize(src, opts)
	if err != nil {
		return Output{}, err
	}

	format := opts.Format
	if format == "" {
		format = normalizeOutputFormat(srcFormat)
		if format == FormatWebP {
			format = FormatPNG
		}
	}

	data, err := encodeImage(out, format, opts.Quality)
	if err != nil {
		return Output{}, err
	}

	bounds := out.Bounds()
	return Output{Data: data, Format: format, Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

func resize(src image.Image, opts Options) (image.Image, error) {
	b := src.Bounds()
	g := planGeometry(b.Dx(), b.Dy(), opts)
	if g.identity(b.Dx(), b.Dy()) && !opts.HasBackground {
		return src, nil
	}
	if err := g.fits(b.Dx(), b.Dy(), opts.MaxDimension); err != nil {
		return nil, err
	}

	dst := image.NewNRGBA(image.Rectangle{Max: g.canvas})
	op := draw.Src
	if opts.HasBackground {
		draw.Draw(dst, dst.Bounds(), image.NewUniform(opts.Background), image.Point{}, draw.Src)
		op = draw.Over
	}

	srcRect := g.src.Add(b.Min)
	if g.dst.Size() == srcRect.Size() {
		draw.Draw(dst, g.dst, src, srcRect.Min, op)
		return dst, nil
	}
	draw.CatmullRom.Scale(dst, g.dst, src, srcRect, op, nil)
	return dst, nil
}

func encodeImage(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case FormatJPEG:
		if quality <= 0 || quality > 100 {
			quality = defaultJPEGQuality
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case FormatPNG:
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case FormatGIF:
		if err := gif.Encode(&buf, img, &gif.Options{NumColors: 256, Drawer: draw.FloydSteinberg}); err != nil {
			return nil, fmt.Errorf("encode gif: %w", err)
		}
	case FormatWebP:
		return nil, fmt.Errorf("%w: webp export requires govips build tag", ErrUnsupportedFormat)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	return buf.Bytes(), nil
}
