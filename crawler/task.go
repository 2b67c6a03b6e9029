// Package crawler executes the segment program breadth-first over a
// bounded frontier, streaming extracted values as they are produced
package crawler

// Task is one unit of work in the frontier: a URL to fetch together
// with the position in the program its document resumes from. A task is
// created on enqueue, consumed by exactly one worker and then discarded.
type Task struct {
	// URL is the canonical URL to fetch
	URL string
	// Depth is the crawl depth, zero for the seed
	Depth int
	// Backlink is the URL of the document that enqueued this task,
	// empty for the seed
	Backlink string
	// Cursor indexes the segment the fetched document resumes at
	Cursor int
	// DeepVisit marks a task enqueued by a deep segment; its document
	// re-executes the deep segment and runs the trailing extraction
	DeepVisit bool
	// DepthCap is the per-subtree depth limit inherited from a depth=
	// argument, zero when uncapped
	DepthCap int
}

// Intent is a dispatcher instruction: fetch another document or yield a
// datum. Deep re-enqueueing rides on FetchIntent via the Deep flag, and
// extraction is resolved inside the dispatch loop, so these two cover
// everything that escapes a document.
type Intent interface {
	isIntent()
}

// FetchIntent asks the frontier to enqueue a fetch.
type FetchIntent struct {
	URL      string
	Depth    int
	Backlink string
	Cursor   int
	Deep     bool
	DepthCap int
}

func (FetchIntent) isIntent() {}

// DataIntent yields an extracted value to the result pipeline.
type DataIntent struct {
	Value any
}

func (DataIntent) isIntent() {}
