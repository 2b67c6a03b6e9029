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

// ParseError reports a malformed expression with the byte offset of the
// offending token.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at offset %d: %s", e.Pos, e.Msg)
}

func errAt(pos int, format string, args ...any) *ParseError {
	return &ParseError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// Parse lowers an expression into its normalised segment program.
// Trailing url(.) forms are rewritten to prefixed url segments, follow=
// is lowered to a deep segment, axes are adjusted, and the program
// invariants are enforced before returning.
func Parse(src string) (*Program, error) {
	sc := &scanner{src: src}
	var segs []Segment
	var starts []int
	sc.skipSpace()
	if sc.eof() {
		return nil, errAt(0, "empty expression")
	}
	for !sc.eof() {
		start := sc.pos
		slashes := sc.slashRun()
		switch {
		case sc.lookingAt(slashes, "url("):
			sc.pos += slashes + len("url(")
			if err := sc.parseURLCall(start, slashes, &segs); err != nil {
				return nil, err
			}
		case sc.lookingAt(slashes, "map{"):
			if slashes > 1 {
				return nil, errAt(start, "map literal takes a single slash separator")
			}
			sc.pos += slashes + len("map{")
			seg, err := sc.parseMapLit(start)
			if err != nil {
				return nil, err
			}
			segs = append(segs, seg)
		default:
			seg, err := sc.parseExprSegment(start)
			if err != nil {
				return nil, err
			}
			segs = append(segs, seg)
		}
		for len(starts) < len(segs) {
			starts = append(starts, start)
		}
		sc.skipSpace()
	}
	segs, starts = lowerFollow(segs, starts)
	if err := validate(segs, starts); err != nil {
		return nil, err
	}
	return &Program{Segments: segs}, nil
}

// lowerFollow rewrites url('u', follow=f)/tail into url('u') followed by
// a seed-extracting deep segment over f sharing the same tail.
func lowerFollow(segs []Segment, starts []int) ([]Segment, []int) {
	if len(segs) == 0 || segs[0].Kind != KindURLLit || segs[0].FollowRaw == "" {
		return segs, starts
	}
	deep := Segment{
		Kind:        KindURLDeep,
		Raw:         segs[0].FollowRaw,
		Path:        segs[0].Path,
		SeedExtract: true,
	}
	out := make([]Segment, 0, len(segs)+1)
	out = append(out, segs[0], deep)
	out = append(out, segs[1:]...)
	pos := make([]int, 0, len(starts)+1)
	pos = append(pos, starts[0], starts[0])
	pos = append(pos, starts[1:]...)
	return out, pos
}

func validate(segs []Segment, starts []int) error {
	if segs[0].Kind != KindURLLit {
		return errAt(starts[0], "expression must begin with a url('...') seed")
	}
	deeps := 0
	for i := range segs {
		s := &segs[i]
		if s.Kind == KindURLLit && i > 0 {
			return errAt(starts[i], "literal url() is only allowed as the seed")
		}
		if s.Kind == KindURLDeep {
			deeps++
			if deeps > 1 {
				return errAt(starts[i], "at most one deep crawl (///url or follow=) per expression")
			}
		}
		if (s.Kind == KindURLEval || s.Kind == KindURLDeep) && i > 0 {
			switch segs[i-1].Kind {
			case KindXPath, KindBinary, KindMapLit:
				if strings.HasPrefix(s.Raw, "/") {
					return errAt(starts[i], "absolute path %q not allowed in url() after an extraction step", s.Raw)
				}
			}
		}
	}
	return nil
}

// scanner walks the expression byte-wise, tracking quote and bracket
// balance so segment boundaries are only recognised at the top level.
type scanner struct {
	src string
	pos int
}

func (sc *scanner) eof() bool { return sc.pos >= len(sc.src) }

func (sc *scanner) skipSpace() {
	for !sc.eof() && (sc.src[sc.pos] == ' ' || sc.src[sc.pos] == '\t' || sc.src[sc.pos] == '\n') {
		sc.pos++
	}
}

// slashRun counts the leading slashes at the cursor, up to three.
func (sc *scanner) slashRun() int {
	n := 0
	for sc.pos+n < len(sc.src) && sc.src[sc.pos+n] == '/' && n < 3 {
		n++
	}
	return n
}

// lookingAt reports whether the literal follows after skipping n bytes.
func (sc *scanner) lookingAt(skip int, lit string) bool {
	return strings.HasPrefix(sc.src[min(sc.pos+skip, len(sc.src)):], lit)
}

// exprStops configures where scanExpr recognises a boundary.
type exprStops struct {
	comma   bool   // top-level comma
	ops     bool   // top-level ! and ||
	urlCall bool   // slash run followed by url( or map{
	closers string // unbalanced closing delimiters, not consumed
}

// scanExpr consumes an XPath fragment verbatim until a boundary. Quotes
// and bracket depth are tracked; boundaries only fire at depth zero.
func (sc *scanner) scanExpr(stops exprStops) (string, error) {
	start := sc.pos
	depth := 0
	for !sc.eof() {
		c := sc.src[sc.pos]
		if c == '\'' || c == '"' {
			if err := sc.skipString(c); err != nil {
				return "", err
			}
			continue
		}
		if depth == 0 {
			switch {
			case stops.comma && c == ',':
				return strings.TrimSpace(sc.src[start:sc.pos]), nil
			case strings.ContainsRune(stops.closers, rune(c)):
				return strings.TrimSpace(sc.src[start:sc.pos]), nil
			case stops.ops && c == '!' && !sc.lookingAt(1, "="):
				return strings.TrimSpace(sc.src[start:sc.pos]), nil
			case stops.ops && strings.HasPrefix(sc.src[sc.pos:], "||"):
				return strings.TrimSpace(sc.src[start:sc.pos]), nil
			case stops.urlCall && c == '/':
				n := sc.slashRun()
				if sc.lookingAt(n, "url(") || sc.lookingAt(n, "map{") {
					return strings.TrimSpace(sc.src[start:sc.pos]), nil
				}
			}
		}
		switch c {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			if depth == 0 {
				return "", errAt(sc.pos, "unbalanced %q", string(c))
			}
			depth--
		}
		sc.pos++
	}
	if depth != 0 {
		return "", errAt(sc.pos, "unterminated expression")
	}
	return strings.TrimSpace(sc.src[start:sc.pos]), nil
}

// skipString consumes a quoted literal including its delimiters.
func (sc *scanner) skipString(quote byte) error {
	open := sc.pos
	sc.pos++
	for !sc.eof() {
		if sc.src[sc.pos] == quote {
			sc.pos++
			return nil
		}
		sc.pos++
	}
	return errAt(open, "unterminated string literal")
}

// parseExprSegment scans an XPath fragment and folds any top-level
// binary operators into a Binary segment.
func (sc *scanner) parseExprSegment(start int) (Segment, error) {
	frag, err := sc.scanExpr(exprStops{ops: true, urlCall: true})
	if err != nil {
		return Segment{}, err
	}
	if frag == "" {
		return Segment{}, errAt(start, "expected an expression")
	}
	seg, err := newXPathSegment(frag, start)
	if err != nil {
		return Segment{}, err
	}
	for !sc.eof() {
		var op string
		switch {
		case sc.src[sc.pos] == '!' && !sc.lookingAt(1, "="):
			op, sc.pos = "!", sc.pos+1
		case strings.HasPrefix(sc.src[sc.pos:], "||"):
			op, sc.pos = "||", sc.pos+2
		default:
			return seg, nil
		}
		sc.skipSpace()
		var right Segment
		rstart := sc.pos
		if n := sc.slashRun(); sc.lookingAt(n, "map{") {
			sc.pos += n + len("map{")
			right, err = sc.parseMapLit(rstart)
		} else {
			var rfrag string
			rfrag, err = sc.scanExpr(exprStops{ops: true, urlCall: true})
			if err == nil {
				right, err = newXPathSegment(rfrag, rstart)
			}
		}
		if err != nil {
			return Segment{}, err
		}
		left := seg
		seg = Segment{Kind: KindBinary, Op: op, Left: &left, Right: &right}
	}
	return seg, nil
}

func newXPathSegment(frag string, pos int) (Segment, error) {
	compiled, err := xpath.Compile(frag)
	if err != nil {
		return Segment{}, errAt(pos, "%v", err)
	}
	return Segment{Kind: KindXPath, Raw: frag, Path: compiled}, nil
}

// parseURLCall parses the argument list of a url(...) call. The opening
// "url(" and its slash prefix are already consumed.
func (sc *scanner) parseURLCall(start, slashes int, segs *[]Segment) error {
	var args []string
	var argPos []int
	for {
		sc.skipSpace()
		argPos = append(argPos, sc.pos)
		arg, err := sc.scanExpr(exprStops{comma: true, closers: ")"})
		if err != nil {
			return err
		}
		args = append(args, arg)
		if sc.eof() {
			return errAt(start, "unterminated url() call")
		}
		if sc.src[sc.pos] == ')' {
			sc.pos++
			break
		}
		sc.pos++ // consume comma
	}
	if args[0] == "" {
		return errAt(start, "url() requires a URL or an XPath argument")
	}

	followRaw, depthCap := "", 0
	for i, kw := range args[1:] {
		switch {
		case strings.HasPrefix(kw, "follow="):
			followRaw = strings.TrimSpace(strings.TrimPrefix(kw, "follow="))
		case strings.HasPrefix(kw, "depth="):
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(kw, "depth=")))
			if err != nil || n < 0 {
				return errAt(argPos[i+1], "depth= requires a non-negative integer")
			}
			depthCap = n
		default:
			return errAt(argPos[i+1], "unknown url() argument %q", kw)
		}
	}

	first := args[0]
	switch {
	case first[0] == '\'' || first[0] == '"':
		if slashes > 0 {
			return errAt(start, "a literal url() seed takes no slash prefix")
		}
		lit := Segment{Kind: KindURLLit, URL: strings.Trim(first, `'"`), FollowRaw: followRaw, DepthCap: depthCap}
		if followRaw != "" {
			compiled, err := xpath.Compile(adjustAxis(followRaw, AxisDescendant))
			if err != nil {
				return errAt(start, "%v", err)
			}
			lit.Path = compiled
		}
		*segs = append(*segs, lit)
		return nil
	case first == ".":
		// trailing url(.) folds the preceding xpath into a prefixed form
		if followRaw != "" {
			return errAt(start, "follow= is only valid on a literal url() seed")
		}
		if len(*segs) == 0 || (*segs)[len(*segs)-1].Kind != KindXPath {
			return errAt(start, "url(.) requires a preceding path expression")
		}
		prev := (*segs)[len(*segs)-1]
		*segs = (*segs)[:len(*segs)-1]
		// under a single-slash url(.), the path's own prefix picks the
		// axis: one leading slash is only the separator, two select the
		// descendant axis
		raw := prev.Raw
		if slashes == 1 {
			switch {
			case strings.HasPrefix(raw, "//"):
				slashes = 2
			case strings.HasPrefix(raw, "/") && len(raw) > 1:
				raw = raw[1:]
			}
		}
		seg, err := urlSegment(raw, slashes, depthCap, start)
		if err != nil {
			return err
		}
		*segs = append(*segs, seg)
		return nil
	default:
		if followRaw != "" {
			return errAt(start, "follow= is only valid on a literal url() seed")
		}
		if slashes == 0 {
			return errAt(start, "url(xpath) requires a /, // or /// prefix")
		}
		seg, err := urlSegment(first, slashes, depthCap, start)
		if err != nil {
			return err
		}
		*segs = append(*segs, seg)
		return nil
	}
}

// urlSegment builds a url-eval or url-deep segment from a raw XPath and
// the length of its slash prefix. The longest prefix wins: three
// slashes select the deep crawl.
func urlSegment(raw string, slashes, depthCap, pos int) (Segment, error) {
	axis := AxisChild
	kind := KindURLEval
	switch slashes {
	case 1:
	case 2:
		axis = AxisDescendant
	case 3:
		axis = AxisDescendant
		kind = KindURLDeep
	default:
		return Segment{}, errAt(pos, "url(.) requires a /, // or /// prefix")
	}
	compiled, err := xpath.Compile(adjustAxis(raw, axis))
	if err != nil {
		return Segment{}, errAt(pos, "%v", err)
	}
	return Segment{Kind: kind, Raw: raw, Path: compiled, Axis: axis, DepthCap: depthCap}, nil
}

// adjustAxis anchors a bare relative path to the context according to
// the slash prefix of its url() call.
func adjustAxis(raw string, axis Axis) string {
	if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, ".") || strings.HasPrefix(raw, "(") {
		return raw
	}
	if axis == AxisChild {
		return "./" + raw
	}
	return ".//" + raw
}

// parseMapLit parses the body of a map{...} literal; "map{" is already
// consumed.
func (sc *scanner) parseMapLit(start int) (Segment, error) {
	seg := Segment{Kind: KindMapLit}
	for {
		sc.skipSpace()
		if sc.eof() {
			return Segment{}, errAt(start, "unterminated map literal")
		}
		if sc.src[sc.pos] == '}' {
			sc.pos++
			break
		}
		quote := sc.src[sc.pos]
		if quote != '\'' && quote != '"' {
			return Segment{}, errAt(sc.pos, "map keys must be quoted strings")
		}
		keyStart := sc.pos
		if err := sc.skipString(quote); err != nil {
			return Segment{}, err
		}
		key := strings.Trim(sc.src[keyStart:sc.pos], `'"`)
		sc.skipSpace()
		if sc.eof() || sc.src[sc.pos] != ':' {
			return Segment{}, errAt(sc.pos, "expected ':' after map key %q", key)
		}
		sc.pos++
		sc.skipSpace()
		valPos := sc.pos
		raw, err := sc.scanExpr(exprStops{comma: true, closers: "}"})
		if err != nil {
			return Segment{}, err
		}
		if raw == "" {
			return Segment{}, errAt(valPos, "empty expression for map key %q", key)
		}
		compiled, err := xpath.Compile(raw)
		if err != nil {
			return Segment{}, errAt(valPos, "%v", err)
		}
		seg.Entries = append(seg.Entries, MapEntry{Key: key, Raw: raw, Path: compiled})
		if !sc.eof() && sc.src[sc.pos] == ',' {
			sc.pos++
		}
	}
	if len(seg.Entries) == 0 {
		return Segment{}, errAt(start, "empty map literal")
	}
	return seg, nil
}
