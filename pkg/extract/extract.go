// Package extract pulls structured title block metadata out of the rendered
// PDF half of a drawing pair.
package extract

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/intralog/drawbridge/pkg/intake"
	"github.com/intralog/drawbridge/pkg/telemetry"
)

// Extractor implements intake.MetadataExtractor over pdfcpu.
type Extractor struct {
	conf   *model.Configuration
	logger *telemetry.Logger
}

// NewExtractor creates a PDF title block extractor.
func NewExtractor(logger *telemetry.Logger) *Extractor {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Extractor{
		conf:   conf,
		logger: logger.NewComponentLogger("extract"),
	}
}

// Extract reads the first page of the document, the usual home of the title
// block, and parses the labeled fields out of its text. A document with no
// readable text or without the required fields is a permanent failure; it
// will not parse better on retry.
func (e *Extractor) Extract(ctx context.Context, docPath string) (*intake.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(docPath)
	if err != nil {
		return nil, intake.NewPermanentError(fmt.Sprintf("cannot open document %s", docPath), err)
	}
	defer f.Close()

	pdfCtx, err := api.ReadValidateAndOptimize(f, e.conf)
	if err != nil {
		return nil, intake.NewPermanentError("cannot read first page content", err)
	}

	content, err := pdfcpu.ExtractPageContent(pdfCtx, 1)
	if err != nil {
		return nil, intake.NewPermanentError("cannot read first page content", err)
	}

	raw, err := io.ReadAll(content)
	if err != nil {
		return nil, intake.NewPermanentError("cannot read page content stream", err)
	}

	text := decodeContentText(raw)
	if text == "" {
		return nil, intake.NewPermanentError("no text found in document", nil)
	}

	md, err := ParseTitleBlock(text)
	if err != nil {
		return nil, err
	}

	e.logger.Zerolog().Debug().
		Str("doc", docPath).
		Str("customer", md.Customer).
		Str("title", md.Title).
		Msg("Title block extracted")

	return md, nil
}
