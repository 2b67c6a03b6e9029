// Package xpath wraps the embedded XPath evaluator and tracks the crawl
// provenance of every value it produces
package xpath

import (
	"bytes"
	"fmt"
	"net/url"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// Document is a parsed HTML page together with the crawl context it was
// fetched under. Every evaluation runs against a Document so that the
// provenance functions (base-uri, wx:backlink, wx:depth) can be answered
// without consulting the crawler.
type Document struct {
	// Root is the document node produced by the HTML parser
	Root *html.Node
	// BaseURL is the canonical URL the document was fetched from, used
	// to resolve relative references extracted from it
	BaseURL string
	// Backlink is the URL of the page that linked here, empty for seeds
	Backlink string
	// Depth is the crawl depth of the fetch that produced the document
	Depth int
}

// ParseDocument parses an HTML body and attaches provenance to it.
func ParseDocument(body []byte, baseURL, backlink string, depth int) (*Document, error) {
	root, err := htmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing document %s: %w", baseURL, err)
	}
	return &Document{Root: root, BaseURL: baseURL, Backlink: backlink, Depth: depth}, nil
}

// ResolveReference joins a possibly-relative reference extracted from the
// document to the document's base URL. It returns the absolute URL and a
// boolean reporting whether the reference could be resolved.
func (d *Document) ResolveReference(ref string) (string, bool) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if u.IsAbs() {
		return u.String(), true
	}
	base, err := url.Parse(d.BaseURL)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(u).String(), true
}

// String is a string value that remembers which document produced it, so
// that a later url(.) hop can resolve it relative to the right base.
type String struct {
	Value   string
	BaseURL string
}

// String implements fmt.Stringer, yielding the underlying value.
func (s String) String() string { return s.Value }

// Element is a DOM element carrying the crawl context of its document.
type Element struct {
	Node     *html.Node
	BaseURL  string
	Backlink string
	Depth    int
}

// wrap attaches document provenance to a raw node.
func (d *Document) wrap(n *html.Node) Element {
	return Element{Node: n, BaseURL: d.BaseURL, Backlink: d.Backlink, Depth: d.Depth}
}
