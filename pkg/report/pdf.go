package report

import (
	"fmt"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/border"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/core"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

var (
	primaryColor   = &props.Color{Red: 52, Green: 152, Blue: 219}
	headerBgColor  = &props.Color{Red: 44, Green: 62, Blue: 80}
	lightGrayColor = &props.Color{Red: 236, Green: 240, Blue: 241}
	darkGrayColor  = &props.Color{Red: 127, Green: 140, Blue: 141}

	titleStyle = props.Text{
		Size:  22,
		Style: fontstyle.Bold,
		Align: align.Center,
		Color: headerBgColor,
	}

	h2Style = props.Text{
		Size:  14,
		Style: fontstyle.Bold,
		Color: headerBgColor,
		Top:   5,
	}

	smallStyle = props.Text{
		Size:  8,
		Color: darkGrayColor,
	}

	tableHeaderStyle = &props.Cell{
		BackgroundColor: primaryColor,
	}

	tableHeaderTextStyle = props.Text{
		Size:  9,
		Style: fontstyle.Bold,
		Color: &props.Color{Red: 255, Green: 255, Blue: 255},
		Align: align.Center,
	}

	tableCellStyle = &props.Cell{
		BorderType:  border.Bottom,
		BorderColor: lightGrayColor,
	}

	tableCellTextStyle = props.Text{
		Size:  9,
		Align: align.Center,
	}
)

// PDFGenerator renders a one-page calibration certificate summarizing the
// final accepted parameters for every hopper in a session.
type PDFGenerator struct{}

// NewPDFGenerator creates a PDFGenerator.
func NewPDFGenerator() *PDFGenerator {
	return &PDFGenerator{}
}

// Generate renders the certificate and returns its raw PDF bytes.
func (g *PDFGenerator) Generate(data *SessionData) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber().
		WithLeftMargin(15).
		WithTopMargin(15).
		WithRightMargin(15).
		Build()

	m := maroto.New(cfg)

	g.addHeader(m, data)
	g.addSummary(m, data)
	g.addParametersTable(m, data)
	g.addFooter(m)

	doc, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate calibration certificate: %w", err)
	}
	return doc.GetBytes(), nil
}

func (g *PDFGenerator) addHeader(m core.Maroto, data *SessionData) {
	m.AddRow(15, text.NewCol(12, "Calibration Certificate", titleStyle))
	m.AddRow(5, line.NewCol(12))

	m.AddRow(6,
		text.NewCol(6, fmt.Sprintf("Session: %s", data.SessionID), smallStyle),
		text.NewCol(6, fmt.Sprintf("Generated: %s", time.Now().Format("2006-01-02 15:04:05")),
			props.Text{Size: 8, Color: darkGrayColor, Align: align.Right}),
	)

	m.AddRow(8)
}

func (g *PDFGenerator) addSummary(m core.Maroto, data *SessionData) {
	m.AddRow(10, text.NewCol(12, "Session Summary", h2Style))
	m.AddRow(2, line.NewCol(12, props.Line{Color: primaryColor}))
	m.AddRow(5)

	m.AddRow(6,
		col.New(6).Add(text.New(fmt.Sprintf("Material: %s", data.MaterialID))),
		col.New(6).Add(text.New(fmt.Sprintf("Target weight: %.1f g", data.TargetWeight))),
	)
	m.AddRow(6,
		col.New(6).Add(text.New(fmt.Sprintf("Started: %s", data.StartedAt.Format("2006-01-02 15:04:05")))),
		col.New(6).Add(text.New(fmt.Sprintf("Completed: %s", data.CompletedAt.Format("2006-01-02 15:04:05")))),
	)

	if data.Snapshot != nil {
		m.AddRow(6,
			col.New(4).Add(text.New(fmt.Sprintf("Successes: %d", data.Snapshot.Successes))),
			col.New(4).Add(text.New(fmt.Sprintf("Failures: %d", data.Snapshot.Failures))),
			col.New(4).Add(text.New(fmt.Sprintf("Total: %d", data.Snapshot.Total))),
		)
	}

	m.AddRow(8)
}

func (g *PDFGenerator) addParametersTable(m core.Maroto, data *SessionData) {
	m.AddRow(10, text.NewCol(12, "Final Accepted Parameters", h2Style))
	m.AddRow(2, line.NewCol(12, props.Line{Color: primaryColor}))
	m.AddRow(5)

	m.AddRow(8,
		text.NewCol(2, "Hopper", tableHeaderTextStyle).WithStyle(tableHeaderStyle),
		text.NewCol(2, "Coarse Adv.", tableHeaderTextStyle).WithStyle(tableHeaderStyle),
		text.NewCol(2, "Fall Value", tableHeaderTextStyle).WithStyle(tableHeaderStyle),
		text.NewCol(2, "Coarse Spd.", tableHeaderTextStyle).WithStyle(tableHeaderStyle),
		text.NewCol(2, "Fine Spd.", tableHeaderTextStyle).WithStyle(tableHeaderStyle),
		text.NewCol(1, "Coarse ms", tableHeaderTextStyle).WithStyle(tableHeaderStyle),
		text.NewCol(1, "Fine ms", tableHeaderTextStyle).WithStyle(tableHeaderStyle),
	)

	for _, fp := range data.Final {
		m.AddRow(6,
			text.NewCol(2, fmt.Sprintf("%d", fp.Hopper), tableCellTextStyle).WithStyle(tableCellStyle),
			text.NewCol(2, fmt.Sprintf("%d", fp.CoarseAdvance), tableCellTextStyle).WithStyle(tableCellStyle),
			text.NewCol(2, fmt.Sprintf("%d", fp.FallValue), tableCellTextStyle).WithStyle(tableCellStyle),
			text.NewCol(2, fmt.Sprintf("%d", fp.CoarseSpeed), tableCellTextStyle).WithStyle(tableCellStyle),
			text.NewCol(2, fmt.Sprintf("%d", fp.FineSpeed), tableCellTextStyle).WithStyle(tableCellStyle),
			text.NewCol(1, fmt.Sprintf("%d", fp.CoarseTimeMs), tableCellTextStyle).WithStyle(tableCellStyle),
			text.NewCol(1, fmt.Sprintf("%d", fp.FineTimeMs), tableCellTextStyle).WithStyle(tableCellStyle),
		)
	}
}

func (g *PDFGenerator) addFooter(m core.Maroto) {
	m.AddRow(10, line.NewCol(12))
	m.AddRow(6, text.NewCol(12, "Generated by the calibration control service.", smallStyle))
}
