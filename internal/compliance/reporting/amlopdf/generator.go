package amlopdf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jung-kurt/gofpdf"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/panzhenhai520/exchangenew-sub003/internal/fields"
	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

var (
	// ErrTemplateMissing is returned when neither an official template nor a
	// built-in form layout exists for the report format.
	ErrTemplateMissing = errors.New("no form template for report format")
	// ErrRenderFailure wraps pdf engine errors.
	ErrRenderFailure = errors.New("pdf render failed")
)

const (
	latinFont = "Helvetica"
	thaiFont  = "thaiform"
)

// Generator renders filed AMLO reports to archival PDFs. With a template
// directory configured it fills the official form's named fields; without
// one it draws a built-in facsimile, which is deterministic: the same report
// produces byte-identical output, so a re-run after a crash simply
// overwrites the artifact.
type Generator struct {
	logger      *zap.Logger
	fields      *fields.Service
	outputDir   string
	templateDir string // official AcroForm templates plus field maps; empty draws the facsimile
	fontPath    string // TTF with Thai glyphs; empty falls back to transliterated Latin
}

// NewGenerator creates a PDF generator writing under outputDir.
func NewGenerator(logger *zap.Logger, fieldSvc *fields.Service, outputDir, templateDir, fontPath string) *Generator {
	return &Generator{logger: logger, fields: fieldSvc, outputDir: outputDir, templateDir: templateDir, fontPath: fontPath}
}

// Render produces <outputDir>/<report_no>.pdf for a filed report and returns
// the path. The reservation supplies the form payload; branch supplies the
// license block.
func (g *Generator) Render(db *gorm.DB, report *models.AmloReport, res *models.Reservation, branch *models.Branch) (string, error) {
	if err := os.MkdirAll(g.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	path := filepath.Join(g.outputDir, report.ReportNo+".pdf")

	if g.templateDir != "" {
		if err := g.fillTemplate(db, report, res, branch, path); err != nil {
			return "", err
		}
		g.logger.Info("amlo report rendered from template",
			zap.String("report_no", report.ReportNo),
			zap.String("path", path))
		return path, nil
	}

	layout := Layout(report.ReportFormat)
	if layout == nil {
		return "", fmt.Errorf("%w: %s", ErrTemplateMissing, report.ReportFormat)
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(report.CreatedAt)
	pdf.SetTitle(report.ReportNo, true)

	textFont := latinFont
	if g.fontPath != "" {
		pdf.AddUTF8Font(thaiFont, "", g.fontPath)
		textFont = thaiFont
	}

	pdf.AddPage()
	g.drawHeader(pdf, layout, report, branch, textFont)
	g.drawDigitRow(pdf, layout.ReportNoRow, report.ReportNo, textFont)
	g.drawCheckGroup(pdf, layout.Direction, res.Direction)
	g.drawCheckGroup(pdf, layout.IDTypeGroup, res.IDType)
	g.drawDigitRow(pdf, layout.IDNumberRow, report.CustomerID, textFont)
	g.drawAmounts(pdf, layout, report, textFont)
	g.drawFormFields(pdf, db, layout, res, textFont)

	if pdf.Err() {
		return "", fmt.Errorf("%w: %v", ErrRenderFailure, pdf.Error())
	}

	if err := pdf.OutputFileAndClose(path); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRenderFailure, err)
	}

	g.logger.Info("amlo report rendered",
		zap.String("report_no", report.ReportNo),
		zap.String("path", path))
	return path, nil
}

func (g *Generator) drawHeader(pdf *gofpdf.Fpdf, layout *FormLayout, report *models.AmloReport, branch *models.Branch, textFont string) {
	pdf.SetFont(textFont, "", 13)
	title := layout.TitleEN
	if textFont == thaiFont {
		title = layout.TitleTH
	}
	pdf.SetXY(15, 10)
	pdf.CellFormat(100, 7, title, "", 0, "L", false, 0, "")

	pdf.SetFont(textFont, "", 9)
	pdf.SetXY(15, 18)
	pdf.CellFormat(100, 5, "License "+branch.LicenseNo+"  "+branch.LicenseHolder, "", 0, "L", false, 0, "")

	date := report.TransactionDate
	dateStr := fmt.Sprintf("%02d/%02d/%04d", date.Day(), int(date.Month()), BuddhistYear(date.Year()))
	if textFont == thaiFont {
		dateStr = ThaiDate(date)
	}
	pdf.SetXY(layout.DateSlot.X, layout.DateSlot.Y)
	pdf.CellFormat(layout.DateSlot.MaxW, 5, dateStr, "", 0, "L", false, 0, "")
}

// drawDigitRow draws the box run and fills the value left-aligned, one
// character per box.
func (g *Generator) drawDigitRow(pdf *gofpdf.Fpdf, row DigitBoxRow, value string, textFont string) {
	if row.Count == 0 {
		return
	}
	chars := []rune(value)
	if row.ThaiNum && textFont == thaiFont {
		chars = []rune(ThaiDigits(value))
	}
	pdf.SetFont(textFont, "", 9)
	for i := 0; i < row.Count; i++ {
		x := row.X + float64(i)*row.BoxW
		pdf.Rect(x, row.Y, row.BoxW, row.BoxH, "D")
		if i < len(chars) {
			pdf.SetXY(x, row.Y+1)
			pdf.CellFormat(row.BoxW, row.BoxH-2, string(chars[i]), "", 0, "C", false, 0, "")
		}
	}
}

// drawCheckGroup ticks exactly the box matching the value; an unknown value
// leaves every box empty.
func (g *Generator) drawCheckGroup(pdf *gofpdf.Fpdf, group CheckboxGroup, value string) {
	for option, at := range group.Options {
		pdf.Rect(at.X, at.Y, group.Size, group.Size, "D")
		if option != value {
			continue
		}
		pdf.Line(at.X, at.Y, at.X+group.Size, at.Y+group.Size)
		pdf.Line(at.X, at.Y+group.Size, at.X+group.Size, at.Y)
	}
}

func (g *Generator) drawAmounts(pdf *gofpdf.Fpdf, layout *FormLayout, report *models.AmloReport, textFont string) {
	pdf.SetFont(textFont, "", 10)
	pdf.SetXY(layout.AmountSlot.X, layout.AmountSlot.Y)
	amount := report.Amount.Abs().StringFixed(2) + " " + report.CurrencyCode
	pdf.CellFormat(layout.AmountSlot.MaxW, 5, amount, "", 0, "L", false, 0, "")

	if textFont == thaiFont {
		pdf.SetXY(layout.AmountWords.X, layout.AmountWords.Y)
		pdf.CellFormat(layout.AmountWords.MaxW, 5, "("+BahtText(report.Amount)+")", "", 0, "L", false, 0, "")
	}
}

// drawFormFields overlays the validated reservation payload in fill order,
// one line per field.
func (g *Generator) drawFormFields(pdf *gofpdf.Fpdf, db *gorm.DB, layout *FormLayout, res *models.Reservation, textFont string) {
	defs, err := g.fields.Definitions(db, res.ReportType)
	if err != nil {
		g.logger.Warn("field definitions unavailable, form body omitted", zap.Error(err))
		return
	}

	pdf.SetFont(textFont, "", 9)
	y := layout.FormOrigin.Y
	group := ""
	for _, field := range g.fields.Project(defs, res.FormData) {
		if field.Group != group {
			group = field.Group
			y += layout.LineHeight / 2
		}
		label := fieldLabel(defs, field.Name, textFont)
		pdf.SetXY(layout.FormOrigin.X, y)
		pdf.CellFormat(55, 5, label, "", 0, "L", false, 0, "")
		pdf.CellFormat(100, 5, field.Value, "", 0, "L", false, 0, "")
		y += layout.LineHeight
	}
}

func fieldLabel(defs []models.FieldDefinition, name, textFont string) string {
	for _, def := range defs {
		if def.FieldName != name {
			continue
		}
		if textFont == thaiFont && def.LabelTH != "" {
			return def.LabelTH
		}
		if def.LabelEN != "" {
			return def.LabelEN
		}
		break
	}
	return name
}
