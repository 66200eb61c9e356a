package amlopdf

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Buddhist-era offset from the Gregorian calendar.
const beOffset = 543

var thaiMonths = []string{
	"มกราคม", "กุมภาพันธ์", "มีนาคม", "เมษายน", "พฤษภาคม", "มิถุนายน",
	"กรกฎาคม", "สิงหาคม", "กันยายน", "ตุลาคม", "พฤศจิกายน", "ธันวาคม",
}

var thaiDigits = []rune("๐๑๒๓๔๕๖๗๘๙")

var thaiNumbers = []string{"ศูนย์", "หนึ่ง", "สอง", "สาม", "สี่", "ห้า", "หก", "เจ็ด", "แปด", "เก้า"}

var thaiUnits = []string{"", "สิบ", "ร้อย", "พัน", "หมื่น", "แสน"}

// BuddhistYear converts a Gregorian year to the Buddhist era used on Thai
// regulatory forms.
func BuddhistYear(gregorian int) int { return gregorian + beOffset }

// ThaiMonth returns the Thai month name.
func ThaiMonth(m time.Month) string { return thaiMonths[int(m)-1] }

// ThaiDate renders a date the way the forms print it: day, Thai month,
// Buddhist year.
func ThaiDate(t time.Time) string {
	return ThaiDigits(itoa(t.Day())) + " " + ThaiMonth(t.Month()) + " " + ThaiDigits(itoa(BuddhistYear(t.Year())))
}

// ThaiDigits replaces ASCII digits with Thai numerals; other runes pass
// through.
func ThaiDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(thaiDigits[r-'0'])
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// BahtText spells an amount in Thai words, the confirmation line the forms
// require next to the printed figure. Satang beyond two places is truncated.
func BahtText(amount decimal.Decimal) string {
	neg := amount.IsNegative()
	amount = amount.Abs().Truncate(2)

	baht := amount.Truncate(0)
	satang := amount.Sub(baht).Mul(decimal.NewFromInt(100)).IntPart()

	var b strings.Builder
	if neg {
		b.WriteString("ลบ")
	}
	b.WriteString(spellThai(baht))
	b.WriteString("บาท")
	if satang == 0 {
		b.WriteString("ถ้วน")
	} else {
		b.WriteString(spellThaiInt(satang))
		b.WriteString("สตางค์")
	}
	return b.String()
}

// spellThai handles arbitrarily large whole amounts by million groups: Thai
// counting repeats the six lower units above each "ล้าน".
func spellThai(d decimal.Decimal) string {
	if d.IsZero() {
		return thaiNumbers[0]
	}
	million := decimal.NewFromInt(1_000_000)
	var groups []int64
	for d.IsPositive() {
		groups = append(groups, d.Mod(million).IntPart())
		d = d.Div(million).Truncate(0)
	}

	var b strings.Builder
	for i := len(groups) - 1; i >= 0; i-- {
		if groups[i] == 0 {
			continue
		}
		b.WriteString(spellThaiInt(groups[i]))
		b.WriteString(strings.Repeat("ล้าน", i))
	}
	return b.String()
}

// spellThaiInt spells 0..999999 with the Thai irregulars: unit ten is bare
// "สิบ", twenty is "ยี่สิบ", and a trailing one after tens is "เอ็ด".
func spellThaiInt(n int64) string {
	if n == 0 {
		return ""
	}
	var b strings.Builder
	digits := make([]int64, 0, 6)
	for v := n; v > 0; v /= 10 {
		digits = append(digits, v%10)
	}
	for pos := len(digits) - 1; pos >= 0; pos-- {
		d := digits[pos]
		if d == 0 {
			continue
		}
		switch {
		case pos == 1 && d == 1:
			// bare สิบ
		case pos == 1 && d == 2:
			b.WriteString("ยี่")
		case pos == 0 && d == 1 && len(digits) > 1:
			b.WriteString("เอ็ด")
			continue
		default:
			b.WriteString(thaiNumbers[d])
		}
		b.WriteString(thaiUnits[pos])
	}
	return b.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
