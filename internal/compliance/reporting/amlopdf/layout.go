package amlopdf

import "github.com/panzhenhai520/exchangenew-sub003/pkg/models"

// DigitBoxRow is a run of single-character boxes. Values shorter than Count
// fill from the left; longer values are truncated.
type DigitBoxRow struct {
	X, Y    float64 // top-left of the first box, mm
	BoxW    float64
	BoxH    float64
	Count   int
	ThaiNum bool // render with Thai numerals
}

// CheckboxGroup is a set of mutually exclusive tick boxes keyed by option
// value. At most one box is ticked; an unknown value ticks none.
type CheckboxGroup struct {
	Size    float64
	Options map[string]Point // option value -> box top-left
}

// Point is a position on the page in mm.
type Point struct{ X, Y float64 }

// TextSlot is a flat text position with an optional width cap.
type TextSlot struct {
	X, Y float64
	MaxW float64
}

// FormLayout is the geometry of one AMLO filing form. The coordinates mirror
// the official paper layout closely enough for branch archival printing.
type FormLayout struct {
	TitleTH     string
	TitleEN     string
	ReportNoRow DigitBoxRow
	IDNumberRow DigitBoxRow
	DateSlot    TextSlot
	AmountSlot  TextSlot
	AmountWords TextSlot
	Direction   CheckboxGroup
	IDTypeGroup CheckboxGroup
	// FormOrigin is where the projected free-form fields start; they flow
	// downward one line each.
	FormOrigin Point
	LineHeight float64
}

// layouts holds the built-in geometry for the three filing formats. The forms
// share a skeleton; the cash form carries the canonical coordinates and the
// other two shift the customer block down for their extra instrument section.
var layouts = map[string]*FormLayout{
	models.ReportAmlo101: formLayout("แบบรายงานการทำธุรกรรมที่ใช้เงินสด", "Cash Transaction Report (1-01)", 0),
	models.ReportAmlo102: formLayout("แบบรายงานการทำธุรกรรมที่เกี่ยวกับทรัพย์สิน", "Asset Transaction Report (1-02)", 8),
	models.ReportAmlo103: formLayout("แบบรายงานการทำธุรกรรมที่มีเหตุอันควรสงสัย", "Suspicious Transaction Report (1-03)", 8),
}

func formLayout(titleTH, titleEN string, yShift float64) *FormLayout {
	return &FormLayout{
		TitleTH:     titleTH,
		TitleEN:     titleEN,
		ReportNoRow: DigitBoxRow{X: 120, Y: 18, BoxW: 4.5, BoxH: 6, Count: 18},
		IDNumberRow: DigitBoxRow{X: 60, Y: 60 + yShift, BoxW: 5, BoxH: 6, Count: 13},
		DateSlot:    TextSlot{X: 30, Y: 34, MaxW: 70},
		AmountSlot:  TextSlot{X: 60, Y: 80 + yShift, MaxW: 60},
		AmountWords: TextSlot{X: 60, Y: 87 + yShift, MaxW: 120},
		Direction: CheckboxGroup{
			Size: 4,
			Options: map[string]Point{
				models.DirectionBuy:  {X: 30, Y: 46},
				models.DirectionSell: {X: 70, Y: 46},
			},
		},
		IDTypeGroup: CheckboxGroup{
			Size: 4,
			Options: map[string]Point{
				models.IDTypeThaiID:    {X: 30, Y: 54 + yShift},
				models.IDTypePassport:  {X: 70, Y: 54 + yShift},
				models.IDTypeCorporate: {X: 110, Y: 54 + yShift},
			},
		},
		FormOrigin: Point{X: 25, Y: 100 + yShift},
		LineHeight: 6,
	}
}

// Layout returns the geometry for a report format, or nil when the format has
// no built-in form.
func Layout(reportFormat string) *FormLayout {
	return layouts[reportFormat]
}
