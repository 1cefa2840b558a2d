package ingest

import (
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"
)

// Rasterizer opens PDF bytes for page rendering.
type Rasterizer interface {
	Open(data []byte) (Document, error)
}

// Document renders pages of one opened PDF. Page numbers are 1-based.
type Document interface {
	NumPage() int
	Render(page int) (image.Image, error)
	Close() error
}

// FitzRasterizer renders with MuPDF through go-fitz.
type FitzRasterizer struct {
	DPI float64
}

func NewFitzRasterizer(dpi float64) *FitzRasterizer {
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	return &FitzRasterizer{DPI: dpi}
}

func (r *FitzRasterizer) Open(data []byte) (Document, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}
	return &fitzDocument{doc: doc, dpi: r.DPI}, nil
}

type fitzDocument struct {
	doc *fitz.Document
	dpi float64
}

func (d *fitzDocument) NumPage() int {
	return d.doc.NumPage()
}

func (d *fitzDocument) Render(page int) (image.Image, error) {
	img, err := d.doc.ImageDPI(page-1, d.dpi)
	if err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w", page, err)
	}
	return img, nil
}

func (d *fitzDocument) Close() error {
	return d.doc.Close()
}
