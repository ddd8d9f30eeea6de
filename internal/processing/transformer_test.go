package processing

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanGeometry(t *testing.T) {
	tests := []struct {
		name   string
		opts   Options
		canvas image.Point
		src    image.Rectangle
		dst    image.Rectangle
	}{
		{
			name:   "no resize",
			opts:   Options{Mode: ModeCrop},
			canvas: image.Pt(200, 100),
			src:    image.Rect(0, 0, 200, 100),
			dst:    image.Rect(0, 0, 200, 100),
		},
		{
			name:   "width only keeps aspect",
			opts:   Options{Width: 100, Mode: ModeCrop},
			canvas: image.Pt(100, 50),
			src:    image.Rect(0, 0, 200, 100),
			dst:    image.Rect(0, 0, 100, 50),
		},
		{
			name:   "height only keeps aspect",
			opts:   Options{Height: 25, Mode: ModeStretch},
			canvas: image.Pt(50, 25),
			src:    image.Rect(0, 0, 200, 100),
			dst:    image.Rect(0, 0, 50, 25),
		},
		{
			name:   "crop centers source",
			opts:   Options{Width: 50, Height: 50, Mode: ModeCrop},
			canvas: image.Pt(50, 50),
			src:    image.Rect(50, 0, 150, 100),
			dst:    image.Rect(0, 0, 50, 50),
		},
		{
			name:   "pad centers image on canvas",
			opts:   Options{Width: 50, Height: 50, Mode: ModePad},
			canvas: image.Pt(50, 50),
			src:    image.Rect(0, 0, 200, 100),
			dst:    image.Rect(0, 12, 50, 37),
		},
		{
			name:   "max fits inside box",
			opts:   Options{Width: 50, Height: 50, Mode: ModeMax},
			canvas: image.Pt(50, 25),
			src:    image.Rect(0, 0, 200, 100),
			dst:    image.Rect(0, 0, 50, 25),
		},
		{
			name:   "min never upscales",
			opts:   Options{Width: 400, Height: 400, Mode: ModeMin},
			canvas: image.Pt(200, 100),
			src:    image.Rect(0, 0, 200, 100),
			dst:    image.Rect(0, 0, 200, 100),
		},
		{
			name:   "stretch ignores aspect",
			opts:   Options{Width: 30, Height: 70, Mode: ModeStretch},
			canvas: image.Pt(30, 70),
			src:    image.Rect(0, 0, 200, 100),
			dst:    image.Rect(0, 0, 30, 70),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := planGeometry(200, 100, tc.opts)
			assert.Equal(t, tc.canvas, g.canvas, "canvas")
			assert.Equal(t, tc.src, g.src, "src")
			assert.Equal(t, tc.dst, g.dst, "dst")
		})
	}
}

func TestStdlibTransformerResize(t *testing.T) {
	src := buildTestPNG(t, 240, 120)

	out, err := stdlibTransformer{}.Transform(context.Background(), src, Options{Width: 80, Mode: ModeCrop})
	require.NoError(t, err)
	assert.Equal(t, FormatPNG, out.Format)
	assert.Equal(t, 80, out.Width)
	assert.Equal(t, 40, out.Height)
	verifyImageSize(t, out.Data, 80, 40)
}

func TestStdlibTransformerConvertsFormat(t *testing.T) {
	src := buildTestPNG(t, 64, 64)

	out, err := stdlibTransformer{}.Transform(context.Background(), src, Options{Width: 32, Height: 16, Mode: ModeStretch, Format: FormatJPEG, Quality: 50})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", out.ContentType())
	verifyImageSize(t, out.Data, 32, 16)
}

func TestStdlibTransformerPadsWithBackground(t *testing.T) {
	src := buildTestPNG(t, 100, 50)
	bg := color.NRGBA{R: 10, G: 200, B: 30, A: 255}

	out, err := stdlibTransformer{}.Transform(context.Background(), src, Options{Width: 100, Height: 100, Mode: ModePad, Background: bg, HasBackground: true})
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out.Data))
	require.NoError(t, err)
	r, g, b, a := img.At(0, 0).RGBA()
	assert.Equal(t, []uint32{10, 200, 30, 255}, []uint32{r >> 8, g >> 8, b >> 8, a >> 8}, "padded corner uses background")
}

func TestStdlibTransformerRejectsWebPExport(t *testing.T) {
	_, err := stdlibTransformer{}.Transform(context.Background(), buildTestPNG(t, 8, 8), Options{Format: FormatWebP})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestStdlibTransformerRejectsGarbage(t *testing.T) {
	_, err := stdlibTransformer{}.Transform(context.Background(), []byte("not an image"), Options{})
	assert.Error(t, err)
}

func TestStdlibTransformerHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := stdlibTransformer{}.Transform(ctx, buildTestPNG(t, 8, 8), Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStdlibTransformerRejectsOversizedCanvas(t *testing.T) {
	// A 1x400 source asked for width 50 keeps its aspect and would need a
	// 50x20000 canvas.
	src := buildTestPNG(t, 1, 400)
	_, err := stdlibTransformer{}.Transform(context.Background(), src, Options{Width: 50, Mode: ModeCrop, MaxDimension: 1000})
	assert.ErrorIs(t, err, ErrMalformedCommand)

	out, err := stdlibTransformer{}.Transform(context.Background(), src, Options{Width: 2, Mode: ModeCrop, MaxDimension: 1000})
	require.NoError(t, err)
	assert.Equal(t, 800, out.Height)
}

func TestGeometryFits(t *testing.T) {
	small := planGeometry(200, 100, Options{Width: 100, Mode: ModeCrop})
	assert.NoError(t, small.fits(200, 100, 150))

	// Sources already past the limit may be re-encoded or downscaled.
	same := planGeometry(5000, 100, Options{Mode: ModeCrop})
	assert.NoError(t, same.fits(5000, 100, 1000))

	tall := planGeometry(1, 400, Options{Width: 50, Mode: ModeCrop})
	assert.ErrorIs(t, tall.fits(1, 400, 1000), ErrMalformedCommand)
	assert.ErrorIs(t, tall.fits(1, 400, 0), ErrMalformedCommand)
}

func buildTestPNG(t testing.TB, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func verifyImageSize(t *testing.T, data []byte, w, h int) {
	t.Helper()

	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(w, h), img.Bounds().Size())
}
