package render

import (
	"strconv"
	"strings"
	"time"

	"github.com/example/billing-messenger/internal/models"
)

// DueDate returns the concrete due date for a recipient relative to today.
//
// An explicit due date wins. When it has already passed it rolls to the same
// day-of-month of the following month, clamped to that month's length.
// Without an explicit date the day-of-month fallback is clamped into the
// current month and rolled the same way once it has passed. A recipient with
// neither is due today.
func DueDate(r models.Recipient, today time.Time) time.Time {
	t := dateOf(today, today.Location())

	if r.DueDate != nil {
		d := dateOf(*r.DueDate, t.Location())
		if !d.Before(t) {
			return d
		}
		y, m := nextMonth(d.Year(), d.Month())
		return clampDate(y, m, d.Day(), t.Location())
	}

	if r.DueDay > 0 {
		d := clampDate(t.Year(), t.Month(), r.DueDay, t.Location())
		if d.Before(t) {
			y, m := nextMonth(t.Year(), t.Month())
			d = clampDate(y, m, r.DueDay, t.Location())
		}
		return d
	}

	return t
}

// FormatFee renders cents as a decimal with comma separator and period
// thousands grouping, e.g. 123456 -> "1.234,56".
func FormatFee(cents int64) string {
	neg := cents < 0
	if neg {
		cents = -cents
	}
	whole := strconv.FormatInt(cents/100, 10)
	frac := cents % 100

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	b.WriteByte(',')
	if frac < 10 {
		b.WriteByte('0')
	}
	b.WriteString(strconv.FormatInt(frac, 10))
	return b.String()
}

func dateOf(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func nextMonth(y int, m time.Month) (int, time.Month) {
	if m == time.December {
		return y + 1, time.January
	}
	return y, m + 1
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func clampDate(y int, m time.Month, day int, loc *time.Location) time.Time {
	if last := daysIn(y, m); day > last {
		day = last
	}
	return time.Date(y, m, day, 0, 0, 0, 0, loc)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
