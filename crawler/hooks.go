// Package crawler executes the segment program breadth-first over a
// bounded frontier, streaming extracted values as they are produced
package crawler

import (
	"context"
	"errors"

	"github.com/wxpath/wxpath/xpath"
)

// ErrDrop is the sentinel a hook returns to discard the value it was
// given. The remaining hooks in the chain are skipped and nothing is
// emitted for that value.
var ErrDrop = errors.New("wxpath: dropped by hook")

// FetchHook transforms the raw body of a fetched document before it is
// parsed.
type FetchHook func(ctx context.Context, task *Task, body []byte) ([]byte, error)

// ParseHook transforms the parsed document before the segment program
// runs on it.
type ParseHook func(ctx context.Context, task *Task, doc *xpath.Document) (*xpath.Document, error)

// ExtractHook transforms an extracted datum before it is streamed to
// the caller. External sinks attach here.
type ExtractHook func(ctx context.Context, task *Task, value any) (any, error)

// Hooks is the registration list a run observes. Hooks run in
// registration order and must be re-entrant: the engine does not
// serialise calls across tasks.
type Hooks struct {
	PostFetch   []FetchHook
	PostParse   []ParseHook
	PostExtract []ExtractHook
}

// runPostFetch threads the body through the chain. A hook returning
// ErrDrop (or failing) stops the chain; the caller drops the value.
func (h *Hooks) runPostFetch(ctx context.Context, task *Task, body []byte) ([]byte, error) {
	for _, hook := range h.PostFetch {
		next, err := hook(ctx, task, body)
		if err != nil {
			return nil, err
		}
		body = next
	}
	return body, nil
}

func (h *Hooks) runPostParse(ctx context.Context, task *Task, doc *xpath.Document) (*xpath.Document, error) {
	for _, hook := range h.PostParse {
		next, err := hook(ctx, task, doc)
		if err != nil {
			return nil, err
		}
		doc = next
	}
	return doc, nil
}

func (h *Hooks) runPostExtract(ctx context.Context, task *Task, value any) (any, error) {
	for _, hook := range h.PostExtract {
		next, err := hook(ctx, task, value)
		if err != nil {
			return nil, err
		}
		value = next
	}
	return value, nil
}
