// Package pdftext extracts text from PDF filings. House PTR disclosures are
// often scanned, so extraction is pluggable between a local pdftotext binary
// and a remote OCR service.
package pdftext

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/civitas-labs/civicsync/internal/config"
)

// Extractor extracts text content from PDF files.
type Extractor interface {
	ExtractText(ctx context.Context, pdfPath string) (string, error)
}

// NewExtractor creates an Extractor based on config.
func NewExtractor(cfg config.PDFTextConfig) (Extractor, error) {
	switch cfg.Provider {
	case "local", "":
		return NewPdfToText(cfg.PdfToTextPath), nil
	case "remote":
		if cfg.OCREndpoint == "" {
			return nil, eris.New("pdftext: remote provider requires ocr_endpoint")
		}
		return NewRemoteOCR(cfg.OCREndpoint, cfg.OCRKey), nil
	default:
		return nil, eris.Errorf("pdftext: unknown provider %q", cfg.Provider)
	}
}
