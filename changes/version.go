package changes

import (
	"fmt"
	"time"
)

// releaseVersion computes the calendar version of a release-notes entry.
// Major impact opens a monthly line; anything else is stamped by day, with
// a -patch suffix for patch-level changes.
func releaseVersion(impact string, at time.Time) string {
	switch impact {
	case "major":
		return fmt.Sprintf("v%d.%02d.0", at.Year(), int(at.Month()))
	case "patch":
		return fmt.Sprintf("v%d.%02d.%02d-patch", at.Year(), int(at.Month()), at.Day())
	default:
		return fmt.Sprintf("v%d.%02d.%02d", at.Year(), int(at.Month()), at.Day())
	}
}

// adrID derives the auto-assigned id of a promoted decision record from
// the last four digits of the wall clock in milliseconds.
func adrID(at time.Time) string {
	return fmt.Sprintf("ADR-%04d", at.UnixMilli()%10000)
}
