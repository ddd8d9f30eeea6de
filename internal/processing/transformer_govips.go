//go:build govips && cgo

package processing

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
)

type govipsTransformer struct{}

func (t govipsTransformer) Transform(ctx context.Context, input []byte, opts Options) (Output, error) {
	select {
	case <-ctx.Done():
		return Output{}, ctx.Err()
	default:
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return Output{}, fmt.Errorf("decode source image: %w", err)
	}
	defer img.Close()

	if err := applyGovipsGeometry(img, opts); err != nil {
		return Output{}, err
	}
	if opts.HasBackground && img.HasAlpha() {
		bg := opts.Background
		if err := img.Flatten(&vips.Color{R: bg.R, G: bg.G, B: bg.B}); err != nil {
			return Output{}, fmt.Errorf("flatten background: %w", err)
		}
	}

	format := opts.Format
	if format == "" {
		format = formatForInput(input)
	}
	data, err := exportGovipsImage(img, format, opts.Quality)
	if err != nil {
		return Output{}, err
	}

	return Output{Data: data, Format: format, Width: img.Width(), Height: img.Height()}, nil
}

func applyGovipsGeometry(img *vips.ImageRef, opts Options) error {
	g := planGeometry(img.Width(), img.Height(), opts)
	if g.identity(img.Width(), img.Height()) {
		return nil
	}
	if err := g.fits(img.Width(), img.Height(), opts.MaxDimension); err != nil {
		return err
	}

	if g.src.Dx() != img.Width() || g.src.Dy() != img.Height() {
		if err := img.ExtractArea(g.src.Min.X, g.src.Min.Y, g.src.Dx(), g.src.Dy()); err != nil {
			return fmt.Errorf("crop image: %w", err)
		}
	}

	if g.dst.Dx() != g.src.Dx() || g.dst.Dy() != g.src.Dy() {
		hscale := float64(g.dst.Dx()) / float64(g.src.Dx())
		vscale := float64(g.dst.Dy()) / float64(g.src.Dy())
		if err := img.ResizeWithVScale(hscale, vscale, vips.KernelLanczos3); err != nil {
			return fmt.Errorf("resize image: %w", err)
		}
	}

	if g.canvas.X != img.Width() || g.canvas.Y != img.Height() {
		bg := &vips.ColorRGBA{}
		if opts.HasBackground {
			bg = &vips.ColorRGBA{R: opts.Background.R, G: opts.Background.G, B: opts.Background.B, A: opts.Background.A}
		}
		if err := img.EmbedBackgroundRGBA(g.dst.Min.X, g.dst.Min.Y, g.canvas.X, g.canvas.Y, bg); err != nil {
			return fmt.Errorf("pad image: %w", err)
		}
	}
	return nil
}

func formatForInput(input []byte) string {
	switch vips.DetermineImageType(input) {
	case vips.ImageTypeJPEG:
		return FormatJPEG
	case vips.ImageTypeWEBP:
		return FormatWebP
	case vips.ImageTypeGIF:
		return FormatGIF
	default:
		return FormatPNG
	}
}

func exportGovipsImage(img *vips.ImageRef, format string, quality int) ([]byte, error) {
	switch format {
	case FormatJPEG:
		params := vips.NewJpegExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case FormatPNG:
		params := vips.NewPngExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportPng(params)
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	case FormatGIF:
		data, _, err := img.ExportGIF(vips.NewGifExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode gif: %w", err)
		}
		return data, nil
	case FormatWebP:
		params := vips.NewWebpExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
