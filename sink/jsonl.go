// Package sink contains output adapters attached through the
// post-extract hook, decoupling the engine from storage or
// presentation layers
package sink

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/wxpath/wxpath/crawler"
	"github.com/wxpath/wxpath/xpath"
)

// Producer defines a producer behavior, exposing a single Produce
// method meant to enqueue a serialised record. Implementations could be
// message queue drivers as well as files or sockets.
type Producer interface {
	Produce([]byte) error
}

// WriterProducer is a Producer over an io.Writer. Writes are serialised
// with a mutex because hooks run concurrently across tasks.
type WriterProducer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterProducer wraps a writer.
func NewWriterProducer(w io.Writer) *WriterProducer {
	return &WriterProducer{w: w}
}

// Produce writes one record.
func (p *WriterProducer) Produce(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.w.Write(data)
	return err
}

// JSONL streams extracted values as newline-delimited JSON, one value
// per line. DOM elements flatten to compact markup and provenanced
// strings serialise to their underlying string.
type JSONL struct {
	producer Producer
}

// NewJSONL builds a JSONL sink over a writer.
func NewJSONL(w io.Writer) *JSONL {
	return &JSONL{producer: NewWriterProducer(w)}
}

// NewJSONLProducer builds a JSONL sink over an arbitrary Producer.
func NewJSONLProducer(p Producer) *JSONL {
	return &JSONL{producer: p}
}

// Hook returns a pass-through post-extract hook that writes every
// value it sees. The value continues down the pipeline unchanged.
func (j *JSONL) Hook() crawler.ExtractHook {
	return func(_ context.Context, _ *crawler.Task, value any) (any, error) {
		if err := j.Write(value); err != nil {
			return nil, err
		}
		return value, nil
	}
}

// Write serialises one value as a JSON line.
func (j *JSONL) Write(value any) error {
	b, err := json.Marshal(Flatten(value))
	if err != nil {
		return err
	}
	return j.producer.Produce(append(b, '\n'))
}

// Flatten reduces engine value kinds to JSON-serialisable ones: DOM
// elements become compact markup, provenanced strings their string,
// and ordered maps are rebuilt with flattened values.
func Flatten(value any) any {
	switch v := value.(type) {
	case xpath.Element:
		return renderNode(v.Node)
	case *html.Node:
		return renderNode(v)
	case xpath.String:
		return v.Value
	case *crawler.Map:
		out := crawler.NewMap()
		for _, k := range v.Keys() {
			item, _ := v.Get(k)
			out.Set(k, Flatten(item))
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Flatten(item)
		}
		return out
	case nil:
		return nil
	default:
		return v
	}
}

// renderNode serialises a node to its markup, trimmed of surrounding
// whitespace.
func renderNode(n *html.Node) string {
	doc := goquery.NewDocumentFromNode(n)
	markup, err := goquery.OuterHtml(doc.Selection)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(markup)
}
