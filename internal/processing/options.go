package processing

import (
	"errors"
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"github.com/dunamismax/pixelgate/internal/commands"
)

var ErrMalformedCommand = errors.New("malformed command")

type ResizeMode string

const (
	ModeCrop    ResizeMode = "crop"
	ModePad     ResizeMode = "pad"
	ModeMax     ResizeMode = "max"
	ModeMin     ResizeMode = "min"
	ModeStretch ResizeMode = "stretch"
)

// DefaultMaxDimension bounds the width and height a request may ask for.
const DefaultMaxDimension = 8192

const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatGIF  = "gif"
	FormatWebP = "webp"
)

// Options are the typed form of a request's command collection.
type Options struct {
	Width         int
	Height        int
	Mode          ResizeMode
	Format        string
	Quality       int
	Background    color.NRGBA
	HasBackground bool
	// MaxDimension caps the output canvas. Sources larger than it may still
	// be served or downscaled.
	MaxDimension int
}

func (o Options) Resizes() bool {
	return o.Width > 0 || o.Height > 0
}

// ParseOptions reads the known commands from c. Values are parsed using
// invariant rules; anything unparseable, or a width or height above
// maxDimension, is an ErrMalformedCommand. A maxDimension of zero means
// DefaultMaxDimension.
func ParseOptions(c *commands.Collection, maxDimension int) (Options, error) {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	opts := Options{Mode: ModeCrop, MaxDimension: maxDimension}
	if c.Len() == 0 {
		return opts, nil
	}

	var err error
	if v, ok := c.Lookup(CommandWidth); ok && v != "" {
		if opts.Width, err = parseDimension(CommandWidth, v, maxDimension); err != nil {
			return Options{}, err
		}
	}
	if v, ok := c.Lookup(CommandHeight); ok && v != "" {
		if opts.Height, err = parseDimension(CommandHeight, v, maxDimension); err != nil {
			return Options{}, err
		}
	}
	if v, ok := c.Lookup(CommandResizeMode); ok && v != "" {
		if opts.Mode, err = parseResizeMode(v); err != nil {
			return Options{}, err
		}
	}
	if v, ok := c.Lookup(CommandFormat); ok && v != "" {
		if opts.Format, err = parseFormat(v); err != nil {
			return Options{}, err
		}
	}
	if v, ok := c.Lookup(CommandQuality); ok && v != "" {
		q, convErr := strconv.Atoi(strings.TrimSpace(v))
		if convErr != nil || q < 1 || q > 100 {
			return Options{}, fmt.Errorf("%w: %s=%q", ErrMalformedCommand, CommandQuality, v)
		}
		opts.Quality = q
	}
	if v, ok := c.Lookup(CommandBackground); ok && v != "" {
		bg, parseErr := ParseColor(v)
		if parseErr != nil {
			return Options{}, parseErr
		}
		opts.Background = bg
		opts.HasBackground = true
	}

	return opts, nil
}

func parseDimension(name, v string, limit int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrMalformedCommand, name, v)
	}
	if n > limit {
		return 0, fmt.Errorf("%w: %s=%d exceeds %d", ErrMalformedCommand, name, n, limit)
	}
	return n, nil
}

func parseResizeMode(v string) (ResizeMode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "crop":
		return ModeCrop, nil
	case "pad", "boxpad":
		return ModePad, nil
	case "max":
		return ModeMax, nil
	case "min":
		return ModeMin, nil
	case "stretch":
		return ModeStretch, nil
	default:
		return "", fmt.Errorf("%w: %s=%q", ErrMalformedCommand, CommandResizeMode, v)
	}
}

func parseFormat(v string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "gif":
		return FormatGIF, nil
	case "webp":
		return FormatWebP, nil
	default:
		return "", fmt.Errorf("%w: %s=%q", ErrMalformedCommand, CommandFormat, v)
	}
}

var namedColors = map[string]color.NRGBA{
	"transparent": {},
	"white":       {R: 255, G: 255, B: 255, A: 255},
	"black":       {A: 255},
	"red":         {R: 255, A: 255},
	"green":       {G: 128, A: 255},
	"blue":        {B: 255, A: 255},
}

// ParseColor accepts a color name or a hex value in RGB, RRGGBB or RRGGBBAA
// form, with or without a leading '#'.
func ParseColor(v string) (color.NRGBA, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	if c, ok := namedColors[s]; ok {
		return c, nil
	}

	s = strings.TrimPrefix(s, "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) == 6 {
		s += "ff"
	}
	if len(s) != 8 {
		return color.NRGBA{}, fmt.Errorf("%w: %s=%q", ErrMalformedCommand, CommandBackground, v)
	}

	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("%w: %s=%q", ErrMalformedCommand, CommandBackground, v)
	}
	return color.NRGBA{
		R: uint8(n >> 24),
		G: uint8(n >> 16),
		B: uint8(n >> 8),
		A: uint8(n),
	}, nil
}
