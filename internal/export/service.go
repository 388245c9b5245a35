package export

import (
	"context"
	"fmt"
)

type pdfRenderer func(ctx context.Context, html, title string) (*Result, error)

// Service turns board reports into downloadable files.
type Service struct {
	renderPDF pdfRenderer
}

func NewService() *Service {
	return &Service{renderPDF: exportPDF}
}

func (s *Service) Export(ctx context.Context, report Report, format Format) (*Result, error) {
	html, err := RenderBoardHTML(report)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch format {
	case FormatPDF:
		return s.renderPDF(ctx, html, report.Title)
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(report.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}
