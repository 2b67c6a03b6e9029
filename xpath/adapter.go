// Package xpath wraps the embedded XPath evaluator and tracks the crawl
// provenance of every value it produces
package xpath

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/antchfx/htmlquery"
	xp "github.com/antchfx/xpath"
	"github.com/kljensen/snowball"
	"golang.org/x/net/html"
)

// fnKind marks expressions the adapter answers itself instead of handing
// to the embedded evaluator. The evaluator has no registration API for
// custom functions, so the crawl-context functions are recognised at
// compile time and resolved from document provenance.
type fnKind int

const (
	fnNone fnKind = iota
	fnBacklink
	fnDepth
	fnBaseURI
	fnStem
)

var fnPrefixes = []struct {
	prefix string
	kind   fnKind
}{
	{"wx:backlink(", fnBacklink},
	{"wx:depth(", fnDepth},
	{"wx:stem(", fnStem},
	{"base-uri(", fnBaseURI},
}

// Compiled is a compiled XPath expression ready for repeated evaluation.
type Compiled struct {
	src   string
	expr  *xp.Expr
	fn    fnKind
	inner *Compiled
}

// Compile compiles an XPath expression eagerly so that malformed
// expressions are rejected before any crawling starts. Crawl-context
// function calls (wx:backlink, wx:depth, wx:stem, base-uri) are
// intercepted here; everything else is compiled by the embedded
// evaluator.
func Compile(src string) (*Compiled, error) {
	s := strings.TrimSpace(src)
	if s == "" {
		return nil, fmt.Errorf("compiling xpath: empty expression")
	}
	for _, f := range fnPrefixes {
		if strings.HasPrefix(s, f.prefix) && strings.HasSuffix(s, ")") {
			inner := strings.TrimSpace(s[len(f.prefix) : len(s)-1])
			c := &Compiled{src: s, fn: f.kind}
			if inner != "" && inner != "." {
				ic, err := Compile(inner)
				if err != nil {
					return nil, err
				}
				c.inner = ic
			}
			return c, nil
		}
	}
	expr, err := xp.Compile(s)
	if err != nil {
		return nil, fmt.Errorf("compiling xpath %q: %w", s, err)
	}
	return &Compiled{src: s, expr: expr}, nil
}

// MustCompile is Compile that panics on error, for expressions known
// good at build time.
func MustCompile(src string) *Compiled {
	c, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return c
}

// String returns the source text of the expression.
func (c *Compiled) String() string { return c.src }

// Evaluate runs the expression with ctx as the context node and returns
// the result sequence in document order. Nodes come back as Element,
// attribute and text values as String (both carrying the document's
// provenance), numbers and booleans as their Go primitives.
func (c *Compiled) Evaluate(doc *Document, ctx *html.Node) ([]any, error) {
	if c.fn != fnNone {
		return c.evaluateFn(doc, ctx)
	}
	nav := htmlquery.CreateXPathNavigator(ctx)
	switch v := c.expr.Evaluate(nav).(type) {
	case *xp.NodeIterator:
		var out []any
		for v.MoveNext() {
			cur, ok := v.Current().(*htmlquery.NodeNavigator)
			if !ok {
				continue
			}
			switch cur.NodeType() {
			case xp.ElementNode, xp.RootNode:
				out = append(out, doc.wrap(cur.Current()))
			case xp.AttributeNode:
				value := cur.Value()
				// reference attributes resolve against the document base
				if name := cur.LocalName(); name == "href" || name == "src" {
					if abs, ok := doc.ResolveReference(value); ok {
						value = abs
					}
				}
				out = append(out, String{Value: value, BaseURL: doc.BaseURL})
			default:
				// text and comment nodes reduce to their value
				out = append(out, String{Value: cur.Value(), BaseURL: doc.BaseURL})
			}
		}
		return out, nil
	case string:
		return []any{String{Value: v, BaseURL: doc.BaseURL}}, nil
	case float64:
		return []any{v}, nil
	case bool:
		return []any{v}, nil
	default:
		return nil, fmt.Errorf("evaluating xpath %q: unexpected result %T", c.src, v)
	}
}

// EvaluateItem evaluates the expression against a single sequence item,
// which may be a node or a primitive produced by an earlier step. Node
// items evaluate normally; primitives only support the intercepted
// functions, and anything else yields the empty sequence.
func (c *Compiled) EvaluateItem(doc *Document, item any) ([]any, error) {
	switch it := item.(type) {
	case Element:
		return c.Evaluate(doc, it.Node)
	case *html.Node:
		return c.Evaluate(doc, it)
	default:
		if c.fn != fnNone {
			return c.evaluateFnValue(doc, StringValue(item))
		}
		return nil, nil
	}
}

func (c *Compiled) evaluateFn(doc *Document, ctx *html.Node) ([]any, error) {
	arg := ""
	if c.inner != nil {
		items, err := c.inner.Evaluate(doc, ctx)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, nil
		}
		arg = StringValue(items[0])
	} else if ctx != nil {
		arg = htmlquery.InnerText(ctx)
	}
	return c.applyFn(doc, arg)
}

func (c *Compiled) evaluateFnValue(doc *Document, arg string) ([]any, error) {
	return c.applyFn(doc, arg)
}

func (c *Compiled) applyFn(doc *Document, arg string) ([]any, error) {
	switch c.fn {
	case fnBacklink:
		if doc.Backlink == "" {
			// seed documents have no backlink, yield the empty sequence
			return nil, nil
		}
		return []any{String{Value: doc.Backlink, BaseURL: doc.BaseURL}}, nil
	case fnDepth:
		return []any{float64(doc.Depth)}, nil
	case fnBaseURI:
		return []any{String{Value: doc.BaseURL, BaseURL: doc.BaseURL}}, nil
	case fnStem:
		return []any{String{Value: stemWords(arg), BaseURL: doc.BaseURL}}, nil
	}
	return nil, fmt.Errorf("evaluating %q: unknown function", c.src)
}

// stemWords lowercases and stems every whitespace-separated word.
func stemWords(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	for i, w := range fields {
		if stemmed, err := snowball.Stem(w, "english", true); err == nil {
			fields[i] = stemmed
		}
	}
	return strings.Join(fields, " ")
}

// StringValue reduces any sequence item to its XPath string value.
func StringValue(item any) string {
	switch v := item.(type) {
	case String:
		return v.Value
	case string:
		return v
	case Element:
		return htmlquery.InnerText(v.Node)
	case *html.Node:
		return htmlquery.InnerText(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
