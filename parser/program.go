// Package parser turns a wxpath expression into the segment program the
// crawler executes. The embedded XPath fragments are boundary-scanned
// only; compiling them is delegated to the xpath adapter.
package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wxpath/wxpath/xpath"
)

// Kind discriminates the segment sum type.
type Kind int

const (
	// KindURLLit is a seed fetch of a literal URL, optionally carrying
	// follow= and depth= arguments
	KindURLLit Kind = iota
	// KindURLEval fetches every URL produced by an XPath, one hop
	KindURLEval
	// KindURLDeep re-enqueues produced URLs recursively up to max depth
	KindURLDeep
	// KindXPath extracts from the current context
	KindXPath
	// KindBinary is the ! or || operator over two expressions
	KindBinary
	// KindMapLit builds an ordered map per context node
	KindMapLit
)

func (k Kind) String() string {
	switch k {
	case KindURLLit:
		return "url-lit"
	case KindURLEval:
		return "url-eval"
	case KindURLDeep:
		return "url-deep"
	case KindXPath:
		return "xpath"
	case KindBinary:
		return "binary"
	case KindMapLit:
		return "map"
	}
	return "unknown"
}

// Axis selects how a url() argument relates to its context.
type Axis int

const (
	// AxisChild is the /url(x) form
	AxisChild Axis = iota
	// AxisDescendant is the //url(x) form
	AxisDescendant
)

// MapEntry is one key/expression pair of a map literal, in source order.
type MapEntry struct {
	Key  string
	Raw  string
	Path *xpath.Compiled
}

// Segment is one operation of the program. Which fields are meaningful
// depends on Kind.
type Segment struct {
	Kind Kind

	// URL, FollowRaw and DepthCap describe a url-lit segment; a depth=
	// argument also sets DepthCap on url-eval and url-deep segments.
	// DepthCap 0 means uncapped.
	URL       string
	FollowRaw string
	DepthCap  int

	// Raw is the XPath source as written; Path is the compiled form
	// after axis adjustment. Used by url-eval, url-deep and xpath
	// segments.
	Raw  string
	Path *xpath.Compiled
	Axis Axis

	// SeedExtract marks a url-deep segment lowered from a follow=
	// argument: the seed document runs the trailing extraction too.
	SeedExtract bool

	// Binary operator and operands.
	Op    string
	Left  *Segment
	Right *Segment

	// Map literal entries.
	Entries []MapEntry
}

// Program is the ordered, immutable segment list produced by Parse.
type Program struct {
	Segments []Segment
}

// DeepIndex returns the index of the url-deep segment, or -1.
func (p *Program) DeepIndex() int {
	for i := range p.Segments {
		if p.Segments[i].Kind == KindURLDeep {
			return i
		}
	}
	return -1
}

// Seed returns the literal seed URL of the program.
func (p *Program) Seed() string { return p.Segments[0].URL }

// String serialises the program back to its canonical expression form.
// Parsing the output yields a structurally identical program.
func (p *Program) String() string {
	var b strings.Builder
	for i := range p.Segments {
		s := &p.Segments[i]
		if s.Kind == KindURLDeep && s.SeedExtract {
			// lowered from follow=, already printed as a url-lit kwarg
			continue
		}
		b.WriteString(s.String())
	}
	return b.String()
}

// String serialises a single segment in canonical form.
func (s *Segment) String() string {
	switch s.Kind {
	case KindURLLit:
		var b strings.Builder
		b.WriteString("url('")
		b.WriteString(s.URL)
		b.WriteString("'")
		if s.FollowRaw != "" {
			b.WriteString(", follow=")
			b.WriteString(s.FollowRaw)
		}
		if s.DepthCap > 0 {
			b.WriteString(", depth=")
			b.WriteString(strconv.Itoa(s.DepthCap))
		}
		b.WriteString(")")
		return b.String()
	case KindURLEval:
		if s.Axis == AxisChild {
			return "/url(" + s.Raw + ")"
		}
		return "//url(" + s.Raw + ")"
	case KindURLDeep:
		return "///url(" + s.Raw + ")"
	case KindXPath:
		return s.Raw
	case KindBinary:
		return s.Left.String() + s.Op + s.Right.String()
	case KindMapLit:
		var b strings.Builder
		b.WriteString("/map{")
		for i, e := range s.Entries {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "'%s':%s", e.Key, e.Raw)
		}
		b.WriteString("}")
		return b.String()
	}
	return ""
}
