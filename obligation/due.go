package obligation

import "time"

// AddBusinessDays moves t forward by n weekdays, skipping Saturday and Sunday.
// The time of day is preserved.
func AddBusinessDays(t time.Time, n int) time.Time {
	for n > 0 {
		t = t.AddDate(0, 0, 1)
		if wd := t.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n--
		}
	}
	return t
}

// DefaultDueBusinessDays is the due window used when no hint is available.
const DefaultDueBusinessDays = 2
