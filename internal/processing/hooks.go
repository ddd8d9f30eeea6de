package processing

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dunamismax/pixelgate/internal/auth"
)

var ErrNilHook = errors.New("nil hook")

// CommandParser runs after authorization and may rewrite the request's
// commands before they are parsed into Options.
type CommandParser interface {
	ParseCommands(ctx context.Context, cc *auth.CommandContext) error
}

// BeforeSaver runs before a processed image is encoded and may adjust the
// encode options.
type BeforeSaver interface {
	BeforeSave(ctx context.Context, opts *Options) error
}

// ProcessedHandler runs after encoding and before the result is cached.
type ProcessedHandler interface {
	Processed(ctx context.Context, out *Output) error
}

// ResponsePreparer runs before response headers are written.
type ResponsePreparer interface {
	PrepareResponse(ctx context.Context, header http.Header) error
}

// Hooks is an ordered list of stage handlers. Handlers are invoked in
// registration order at each checkpoint and the first error aborts.
type Hooks struct {
	handlers []any
}

func NewHooks(handlers ...any) (Hooks, error) {
	h := Hooks{handlers: make([]any, 0, len(handlers))}
	for i, handler := range handlers {
		if handler == nil {
			return Hooks{}, fmt.Errorf("%w at position %d", ErrNilHook, i)
		}
		switch handler.(type) {
		case CommandParser, BeforeSaver, ProcessedHandler, ResponsePreparer:
		default:
			return Hooks{}, fmt.Errorf("hook %T implements no stage", handler)
		}
		h.handlers = append(h.handlers, handler)
	}
	return h, nil
}

func (h Hooks) Len() int {
	return len(h.handlers)
}

func (h Hooks) ParseCommands(ctx context.Context, cc *auth.CommandContext) error {
	for _, handler := range h.handlers {
		if p, ok := handler.(CommandParser); ok {
			if err := p.ParseCommands(ctx, cc); err != nil {
				return fmt.Errorf("parse commands hook %T: %w", handler, err)
			}
		}
	}
	return nil
}

func (h Hooks) BeforeSave(ctx context.Context, opts *Options) error {
	for _, handler := range h.handlers {
		if p, ok := handler.(BeforeSaver); ok {
			if err := p.BeforeSave(ctx, opts); err != nil {
				return fmt.Errorf("before save hook %T: %w", handler, err)
			}
		}
	}
	return nil
}

func (h Hooks) Processed(ctx context.Context, out *Output) error {
	for _, handler := range h.handlers {
		if p, ok := handler.(ProcessedHandler); ok {
			if err := p.Processed(ctx, out); err != nil {
				return fmt.Errorf("processed hook %T: %w", handler, err)
			}
		}
	}
	return nil
}

func (h Hooks) PrepareResponse(ctx context.Context, header http.Header) error {
	for _, handler := range h.handlers {
		if p, ok := handler.(ResponsePreparer); ok {
			if err := p.PrepareResponse(ctx, header); err != nil {
				return fmt.Errorf("prepare response hook %T: %w", handler, err)
			}
		}
	}
	return nil
}
