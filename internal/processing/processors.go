package processing

import "github.com/dunamismax/pixelgate/internal/commands"

const (
	CommandWidth      = "width"
	CommandHeight     = "height"
	CommandResizeMode = "rmode"
	CommandFormat     = "format"
	CommandQuality    = "quality"
	CommandBackground = "bgcolor"
)

type ResizeProcessor struct{}

func (ResizeProcessor) Commands() []string {
	return []string{CommandWidth, CommandHeight, CommandResizeMode}
}

type FormatProcessor struct{}

func (FormatProcessor) Commands() []string {
	return []string{CommandFormat}
}

type QualityProcessor struct{}

func (QualityProcessor) Commands() []string {
	return []string{CommandQuality}
}

type BackgroundColorProcessor struct{}

func (BackgroundColorProcessor) Commands() []string {
	return []string{CommandBackground}
}

// DefaultProcessors returns the processors every pipeline registers unless
// configured otherwise.
func DefaultProcessors() []commands.Processor {
	return []commands.Processor{
		ResizeProcessor{},
		FormatProcessor{},
		QualityProcessor{},
		BackgroundColorProcessor{},
	}
}
