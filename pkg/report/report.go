package report

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"calibration/pkg/telemetry"
)

// Artifacts holds the two generated documents for a completed session.
type Artifacts struct {
	ExcelWorkbook []byte
	PDFCert       []byte
	GeneratedAt   time.Time
}

// Builder generates the Excel workbook and PDF certificate for a
// completed calibration session. Reports are produced in memory and
// handed to the caller; this package never persists anything.
type Builder struct {
	excel *ExcelGenerator
	pdf   *PDFGenerator
}

// NewBuilder creates a report Builder.
func NewBuilder() *Builder {
	return &Builder{
		excel: NewExcelGenerator(),
		pdf:   NewPDFGenerator(),
	}
}

// Build renders both artifacts for data. Either artifact may be produced
// even if the other generator errors, so a caller can still recover a
// usable Excel workbook when PDF rendering fails (and vice versa); the
// first error observed is returned.
func (b *Builder) Build(ctx context.Context, data *SessionData) (*Artifacts, error) {
	_, span := telemetry.StartSpan(ctx, "report.Build",
		trace.WithAttributes(
			attribute.String("session_id", data.SessionID),
			attribute.Int("hopper_count", len(data.hoppers())),
		),
	)
	defer span.End()

	artifacts := &Artifacts{GeneratedAt: time.Now()}
	var firstErr error

	workbook, err := b.excel.Generate(data)
	if err != nil {
		span.RecordError(err)
		firstErr = fmt.Errorf("failed to build excel workbook: %w", err)
	} else {
		artifacts.ExcelWorkbook = workbook
	}

	cert, err := b.pdf.Generate(data)
	if err != nil {
		span.RecordError(err)
		if firstErr == nil {
			firstErr = fmt.Errorf("failed to build pdf certificate: %w", err)
		}
	} else {
		artifacts.PDFCert = cert
	}

	return artifacts, firstErr
}
