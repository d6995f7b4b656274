package dbtime

import "time"

// Stored timestamps are always UTC; the database keeps them as unix
// milliseconds.

func DBNow() time.Time {
	return DBTime(time.Now())
}

func DBTime(t time.Time) time.Time {
	return t.UTC()
}

func UnixMilli(t time.Time) int64 {
	return DBTime(t).UnixMilli()
}

func FromUnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
