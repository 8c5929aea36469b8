// Package pipeline implements C4, the Conversion Pipeline: per-task
// orchestration of extract -> persist images -> rewrite page locators ->
// place images -> optionally describe -> materialize outputs. Grounded on
// original_source/service/app/converters/pdf_extractor.go (port algorithm)
// and pdf_extractor.py / pipeline.py for the exact semantics.
package pipeline

import "context"

// ImageRecord is one image extracted from a page, plus its coordinates
// and textual context windows. image_id is globally unique within a task
// by contract of the Extractor (spec.md §9 design note).
type ImageRecord struct {
	ImageID       string
	Page          int
	Index         int
	RawBytes      []byte
	FormatHint    string
	Width         int
	Height        int
	HasDimensions bool
	ContextBefore string
	ContextAfter  string

	// Filename is populated by image persistence (images.go) once the
	// record has been decoded and written to disk; empty means the image
	// was dropped.
	Filename string
}

// Extractor is the external PDF text-and-image extraction port (spec.md
// §6 Non-goals: the library behind it is out of scope). Extract returns
// Markdown with no page locators or image references yet inserted (those
// are the pipeline's job), the authoritative page count, and the ordered
// image records. imagesDir is passed through for extractors that want a
// scratch area; the pipeline does its own decode-and-persist pass over
// RawBytes regardless (§4.4 step 3) and does not depend on the extractor
// having written anything there.
type Extractor interface {
	Extract(ctx context.Context, pdfPath, imagesDir string, contextChars int) (markdown string, totalPages int, images []ImageRecord, err error)
}

// Describer is the C5 port consumed by the pipeline: given the placed
// Markdown and the persisted image records, return the Markdown rewritten
// with description blocks. Implemented by internal/vision.Describer.
type Describer interface {
	Describe(ctx context.Context, taskID, markdown string, images []ImageRecord, imagesDir string) (string, error)
}
