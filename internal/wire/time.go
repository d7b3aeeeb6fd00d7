package wire

import "time"

// isoLayout renders ISO-8601 UTC with seconds precision.
const isoLayout = "2006-01-02T15:04:05Z"

// ISOTime formats a timestamp the way every protocol payload carries it.
func ISOTime(t time.Time) string {
	return t.UTC().Format(isoLayout)
}
