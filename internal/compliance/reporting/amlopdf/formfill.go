package amlopdf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"
)

// Logical field names the filler derives from the report itself. Everything
// else comes from the reservation's validated form payload.
const (
	fieldReportNo      = "report_no"
	fieldReportDate    = "report_date"
	fieldCustomerName  = "customer_name"
	fieldCustomerID    = "customer_id"
	fieldAmount        = "amount"
	fieldAmountWords   = "amount_words"
	fieldCurrencyCode  = "currency_code"
	fieldLicenseNo     = "license_no"
	fieldLicenseHolder = "license_holder"
	fieldBranchName    = "branch_name"
)

// FieldMap binds logical field names to the template's AcroForm field names.
// One JSON file per form version sits next to its template, so a revised
// official form is a data change. Checkbox keys are "<field>:<value>", e.g.
// "direction:buy" or "id_type:passport".
type FieldMap struct {
	Fields map[string]string `json:"fields"`
	Checks map[string]string `json:"checks"`
}

// LoadFieldMap reads a field map from disk.
func LoadFieldMap(path string) (*FieldMap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read field map: %w", err)
	}
	var fm FieldMap
	if err := json.Unmarshal(raw, &fm); err != nil {
		return nil, fmt.Errorf("failed to parse field map %s: %w", path, err)
	}
	return &fm, nil
}

// fillData is the pdfcpu form-fill document shape.
type fillData struct {
	Forms []fillForm `json:"forms"`
}

type fillForm struct {
	TextFields []fillText  `json:"textfield,omitempty"`
	Checkboxes []fillCheck `json:"checkbox,omitempty"`
}

type fillText struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type fillCheck struct {
	Name  string `json:"name"`
	Value bool   `json:"value"`
}

// formValues derives the logical field values for one filed report: the
// report's own identifiers plus the reservation's projected form payload.
func (g *Generator) formValues(db *gorm.DB, report *models.AmloReport, res *models.Reservation, branch *models.Branch) map[string]string {
	values := map[string]string{
		fieldReportNo:      report.ReportNo,
		fieldReportDate:    ThaiDate(report.TransactionDate),
		fieldCustomerName:  report.CustomerName,
		fieldCustomerID:    report.CustomerID,
		fieldAmount:        report.Amount.Abs().StringFixed(2),
		fieldAmountWords:   BahtText(report.Amount),
		fieldCurrencyCode:  report.CurrencyCode,
		fieldLicenseNo:     branch.LicenseNo,
		fieldLicenseHolder: branch.LicenseHolder,
		fieldBranchName:    branch.Name,
	}

	defs, err := g.fields.Definitions(db, res.ReportType)
	if err != nil {
		g.logger.Warn("field definitions unavailable, template body fields omitted", zap.Error(err))
		return values
	}
	for _, field := range g.fields.Project(defs, res.FormData) {
		values[field.Name] = field.Value
	}
	return values
}

// buildFillData maps logical values onto the template's field names. Values
// without a mapping are skipped: the map defines what this form version
// carries. Checkboxes tick exactly the option matching the reservation.
func buildFillData(fm *FieldMap, values map[string]string, res *models.Reservation) *fillData {
	form := fillForm{}
	for logical, pdfField := range fm.Fields {
		value, ok := values[logical]
		if !ok || value == "" {
			continue
		}
		form.TextFields = append(form.TextFields, fillText{Name: pdfField, Value: value})
	}

	selected := map[string]bool{
		"direction:" + res.Direction: true,
		"id_type:" + res.IDType:      true,
	}
	for key, pdfField := range fm.Checks {
		form.Checkboxes = append(form.Checkboxes, fillCheck{Name: pdfField, Value: selected[key]})
	}
	return &fillData{Forms: []fillForm{form}}
}

// fillTemplate fills the official template's named form fields and writes the
// result to outPath. NeedAppearances is set so viewers regenerate field
// appearances for the filled values.
func (g *Generator) fillTemplate(db *gorm.DB, report *models.AmloReport, res *models.Reservation, branch *models.Branch, outPath string) error {
	templatePath := filepath.Join(g.templateDir, report.ReportFormat+".pdf")
	mapPath := filepath.Join(g.templateDir, report.ReportFormat+".json")
	if _, err := os.Stat(templatePath); err != nil {
		return fmt.Errorf("%w: %s", ErrTemplateMissing, templatePath)
	}
	fm, err := LoadFieldMap(mapPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTemplateMissing, err)
	}

	data := buildFillData(fm, g.formValues(db, report, res, branch), res)
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRenderFailure, err)
	}

	in, err := os.Open(templatePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTemplateMissing, err)
	}
	defer in.Close()
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRenderFailure, err)
	}

	conf := model.NewDefaultConfiguration()
	conf.NeedAppearances = true
	if err := api.FillForm(in, bytes.NewReader(payload), out, conf); err != nil {
		out.Close()
		os.Remove(outPath)
		return fmt.Errorf("%w: %v", ErrRenderFailure, err)
	}
	return out.Close()
}
