package waiting

import (
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// businessDay is one store-local calendar day as a half-open UTC range.
type businessDay struct {
	Date  string
	Start time.Time
	End   time.Time
}

func dayOf(t time.Time, loc *time.Location) businessDay {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return businessDay{
		Date:  start.Format(dateLayout),
		Start: start.UTC(),
		End:   start.AddDate(0, 0, 1).UTC(),
	}
}

func parseDay(raw string, loc *time.Location) (businessDay, bool) {
	parsed, err := time.ParseInLocation(dateLayout, strings.TrimSpace(raw), loc)
	if err != nil {
		return businessDay{}, false
	}
	return dayOf(parsed, loc), true
}

// NormalizePhone strips everything but digits and accepts 10 or 11 digit numbers.
func NormalizePhone(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 10 || len(digits) > 11 {
		return "", false
	}
	return digits, true
}
