// Package pdfstub provides the default Extractor (internal/pipeline) bound
// by cmd/server/main.go when no real PDF extraction backend is configured.
// The actual PDF text-and-image extraction library is an external
// collaborator out of scope for this service (spec.md §1, §6): nothing in
// the example pack depends on a PDF parser, so rather than vendor a fake
// one this stub fails fast with a clear, typed error and documents the
// seam a real implementation plugs into.
package pdfstub

import (
	"context"
	"fmt"

	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/apperr"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/pipeline"
)

// Extractor satisfies pipeline.Extractor without performing any real
// extraction. It exists so the service can be wired and started end to
// end; swap it for a real PDF-parsing Extractor before handling traffic.
type Extractor struct{}

var _ pipeline.Extractor = Extractor{}

func (Extractor) Extract(ctx context.Context, pdfPath, imagesDir string, contextChars int) (string, int, []pipeline.ImageRecord, error) {
	return "", 0, nil, apperr.Conversion(
		fmt.Sprintf("no PDF extraction backend configured for %s", pdfPath),
		fmt.Errorf("internal/pdfstub.Extractor is a placeholder; inject a real pipeline.Extractor"),
	)
}
