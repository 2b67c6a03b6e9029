// Package crawler executes the segment program breadth-first over a
// bounded frontier, streaming extracted values as they are produced
package crawler

import (
	"fmt"
	"strings"

	"github.com/wxpath/wxpath/parser"
	"github.com/wxpath/wxpath/xpath"
)

// dispatcher interprets the remaining segment program of one fetched
// document and turns it into intents. URL-producing segments are
// evaluated once per document, never per context node.
type dispatcher struct {
	program *parser.Program
}

// dispatchState carries the evolving context sequence through the
// segment loop of a single document.
type dispatchState struct {
	doc      *xpath.Document
	task     *Task
	contexts []any
	intents  []Intent
	halted   bool
}

// segmentHandler executes one segment kind against the state.
type segmentHandler func(d *dispatcher, st *dispatchState, idx int) error

// segmentHandlers is the dispatch table; new segment kinds register
// here.
var segmentHandlers = map[parser.Kind]segmentHandler{
	parser.KindURLEval: (*dispatcher).urlEval,
	parser.KindURLDeep: (*dispatcher).urlDeep,
	parser.KindXPath:   (*dispatcher).xpathStep,
	parser.KindBinary:  (*dispatcher).binaryStep,
	parser.KindMapLit:  (*dispatcher).mapStep,
}

// dispatch runs the program tail starting at the task's cursor. When
// the tail runs to completion, every remaining context item becomes a
// DataIntent; a halting segment (a url hop) leaves emission to the
// documents it enqueues.
func (d *dispatcher) dispatch(doc *xpath.Document, task *Task) ([]Intent, error) {
	st := &dispatchState{
		doc:  doc,
		task: task,
		contexts: []any{xpath.Element{
			Node:     doc.Root,
			BaseURL:  doc.BaseURL,
			Backlink: doc.Backlink,
			Depth:    doc.Depth,
		}},
	}
	segments := d.program.Segments
	for i := task.Cursor; i < len(segments) && !st.halted; i++ {
		handler, ok := segmentHandlers[segments[i].Kind]
		if !ok {
			return nil, &ProgramError{Msg: fmt.Sprintf("no handler for %s segment", segments[i].Kind)}
		}
		if err := handler(d, st, i); err != nil {
			return nil, err
		}
	}
	if !st.halted {
		for _, c := range st.contexts {
			st.intents = append(st.intents, DataIntent{Value: c})
		}
	}
	return st.intents, nil
}

// urlEval enqueues a one-hop fetch for every URL the segment extracts
// from the document. The program tail belongs to the children, so the
// local loop halts.
func (d *dispatcher) urlEval(st *dispatchState, idx int) error {
	seg := &d.program.Segments[idx]
	if err := d.checkRelative(idx); err != nil {
		return err
	}
	for _, u := range d.extractURLs(st.doc, seg) {
		st.intents = append(st.intents, FetchIntent{
			URL:      u,
			Depth:    st.task.Depth + 1,
			Backlink: st.doc.BaseURL,
			Cursor:   idx + 1,
			DepthCap: subtreeCap(st.task, seg),
		})
	}
	st.halted = true
	return nil
}

// urlDeep re-enqueues extracted URLs pointing back at this segment, so
// every deep-visited document repeats the extraction and the trailing
// segments. With an empty tail the document itself is the datum; with a
// tail, only deep visits (and follow= seeds) run it.
func (d *dispatcher) urlDeep(st *dispatchState, idx int) error {
	seg := &d.program.Segments[idx]
	if err := d.checkRelative(idx); err != nil {
		return err
	}
	for _, u := range d.extractURLs(st.doc, seg) {
		st.intents = append(st.intents, FetchIntent{
			URL:      u,
			Depth:    st.task.Depth + 1,
			Backlink: st.doc.BaseURL,
			Cursor:   idx,
			Deep:     true,
			DepthCap: subtreeCap(st.task, seg),
		})
	}
	tailEmpty := idx+1 >= len(d.program.Segments)
	if tailEmpty {
		// pure deep crawl: the visited document is the extraction
		return nil
	}
	if st.task.DeepVisit || seg.SeedExtract {
		return nil
	}
	// a bare ///url(...) skips the extraction tail on its seed
	st.halted = true
	return nil
}

// xpathStep replaces the context sequence with the expression's results
// over each context item, in document order.
func (d *dispatcher) xpathStep(st *dispatchState, idx int) error {
	seg := &d.program.Segments[idx]
	var next []any
	for _, c := range st.contexts {
		items, err := seg.Path.EvaluateItem(st.doc, c)
		if err != nil {
			return &ProgramError{Msg: err.Error()}
		}
		next = append(next, items...)
	}
	st.contexts = next
	return nil
}

// binaryStep applies a ! or || segment to the context sequence.
func (d *dispatcher) binaryStep(st *dispatchState, idx int) error {
	values, err := evalValues(st.doc, &d.program.Segments[idx], st.contexts)
	if err != nil {
		return err
	}
	st.contexts = values
	return nil
}

// mapStep builds one ordered map per context node.
func (d *dispatcher) mapStep(st *dispatchState, idx int) error {
	values, err := evalValues(st.doc, &d.program.Segments[idx], st.contexts)
	if err != nil {
		return err
	}
	st.contexts = values
	return nil
}

// evalValues evaluates an extraction segment over a context sequence.
// Binary segments recurse: ! maps each left item through the right
// expression, || concatenates string values per context item.
func evalValues(doc *xpath.Document, seg *parser.Segment, contexts []any) ([]any, error) {
	switch seg.Kind {
	case parser.KindXPath:
		var out []any
		for _, c := range contexts {
			items, err := seg.Path.EvaluateItem(doc, c)
			if err != nil {
				return nil, &ProgramError{Msg: err.Error()}
			}
			out = append(out, items...)
		}
		return out, nil
	case parser.KindMapLit:
		var out []any
		for _, c := range contexts {
			m := NewMap()
			for _, e := range seg.Entries {
				items, err := e.Path.EvaluateItem(doc, c)
				if err != nil {
					return nil, &ProgramError{Msg: err.Error()}
				}
				// an empty sequence is null, a singleton the item
				// itself, anything longer keeps the whole sequence
				switch len(items) {
				case 0:
					m.Set(e.Key, nil)
				case 1:
					m.Set(e.Key, items[0])
				default:
					m.Set(e.Key, items)
				}
			}
			out = append(out, m)
		}
		return out, nil
	case parser.KindBinary:
		switch seg.Op {
		case "!":
			left, err := evalValues(doc, seg.Left, contexts)
			if err != nil {
				return nil, err
			}
			var out []any
			for _, item := range left {
				mapped, err := evalValues(doc, seg.Right, []any{item})
				if err != nil {
					return nil, err
				}
				out = append(out, mapped...)
			}
			return out, nil
		case "||":
			var out []any
			for _, c := range contexts {
				lv, err := evalValues(doc, seg.Left, []any{c})
				if err != nil {
					return nil, err
				}
				rv, err := evalValues(doc, seg.Right, []any{c})
				if err != nil {
					return nil, err
				}
				concat := firstString(lv) + firstString(rv)
				out = append(out, xpath.String{Value: concat, BaseURL: doc.BaseURL})
			}
			return out, nil
		}
		return nil, &ProgramError{Msg: fmt.Sprintf("unknown binary operator %q", seg.Op)}
	}
	return nil, &ProgramError{Msg: fmt.Sprintf("segment %s is not an extraction", seg.Kind)}
}

func firstString(items []any) string {
	if len(items) == 0 {
		return ""
	}
	return xpath.StringValue(items[0])
}

// extractURLs evaluates a url segment's expression once against the
// document root and resolves every produced reference to a canonical
// absolute URL, dropping duplicates and non-fetchable schemes.
func (d *dispatcher) extractURLs(doc *xpath.Document, seg *parser.Segment) []string {
	items, err := seg.Path.Evaluate(doc, doc.Root)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	var out []string
	for _, item := range items {
		ref := strings.TrimSpace(xpath.StringValue(item))
		if ref == "" || strings.HasPrefix(ref, "#") ||
			strings.HasPrefix(ref, "javascript:") || strings.HasPrefix(ref, "mailto:") {
			continue
		}
		abs, ok := doc.ResolveReference(ref)
		if !ok {
			continue
		}
		canonical, err := CanonicalURL(abs)
		if err != nil {
			continue
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		out = append(out, canonical)
	}
	return out
}

// checkRelative re-asserts at dispatch time what the parser validated:
// a url segment directly after an extraction step must not carry an
// absolute path.
func (d *dispatcher) checkRelative(idx int) error {
	if idx == 0 {
		return nil
	}
	seg := &d.program.Segments[idx]
	switch d.program.Segments[idx-1].Kind {
	case parser.KindXPath, parser.KindBinary, parser.KindMapLit:
		if strings.HasPrefix(seg.Raw, "/") {
			return &ProgramError{Msg: fmt.Sprintf("absolute path %q after an extraction step", seg.Raw)}
		}
	}
	return nil
}

// subtreeCap propagates the per-subtree depth limit: a depth= on the
// segment starts a new cap, otherwise the task's cap is inherited.
func subtreeCap(task *Task, seg *parser.Segment) int {
	if seg.DepthCap > 0 {
		return seg.DepthCap
	}
	return task.DepthCap
}
