package amlopdf

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestBuddhistYear(t *testing.T) {
	assert.Equal(t, 2569, BuddhistYear(2026))
	assert.Equal(t, 2543, BuddhistYear(2000))
}

func TestThaiDigits(t *testing.T) {
	assert.Equal(t, "๑๒๓-๐๐๑", ThaiDigits("123-001"))
	assert.Equal(t, "ไม่มีเลข", ThaiDigits("ไม่มีเลข"))
}

func TestThaiMonth(t *testing.T) {
	assert.Equal(t, "มกราคม", ThaiMonth(time.January))
	assert.Equal(t, "ธันวาคม", ThaiMonth(time.December))
}

func TestThaiDate(t *testing.T) {
	d := time.Date(2026, time.August, 30, 0, 0, 0, 0, time.Local)
	assert.Equal(t, "๓๐ สิงหาคม ๒๕๖๙", ThaiDate(d))
}

func TestBahtText(t *testing.T) {
	cases := []struct {
		amount string
		want   string
	}{
		{"0", "ศูนย์บาทถ้วน"},
		{"1", "หนึ่งบาทถ้วน"},
		{"11", "สิบเอ็ดบาทถ้วน"},
		{"21", "ยี่สิบเอ็ดบาทถ้วน"},
		{"100", "หนึ่งร้อยบาทถ้วน"},
		{"25.75", "ยี่สิบห้าบาทเจ็ดสิบห้าสตางค์"},
		{"2000000", "สองล้านบาทถ้วน"},
		{"1234567.50", "หนึ่งล้านสองแสนสามหมื่นสี่พันห้าร้อยหกสิบเจ็ดบาทห้าสิบสตางค์"},
		{"-15", "ลบสิบห้าบาทถ้วน"},
	}
	for _, tc := range cases {
		t.Run(tc.amount, func(t *testing.T) {
			got := BahtText(decimal.RequireFromString(tc.amount))
			assert.Equal(t, tc.want, got)
		})
	}
}
