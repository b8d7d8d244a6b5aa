// Package gps provides GPS time conversion helpers, used for Class-B
// ping-slot scheduling and GPS-epoch multicast scheduling.
package gps

import "time"

var gpsEpochTime = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

// leapSecondInsertions holds the UTC timestamps at which an additional leap
// second was inserted since the GPS epoch. GPS time does not observe leap
// seconds, so the offset between UTC and GPS time grows by one second at
// each of these instants.
var leapSecondInsertions = []time.Time{
	time.Date(1981, time.July, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1982, time.July, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1983, time.July, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1985, time.July, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1988, time.January, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1990, time.January, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1991, time.January, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1992, time.July, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1993, time.July, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1994, time.July, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1996, time.January, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1997, time.July, 1, 0, 0, 0, 0, time.UTC),
	time.Date(1999, time.January, 1, 0, 0, 0, 0, time.UTC),
	time.Date(2006, time.January, 1, 0, 0, 0, 0, time.UTC),
	time.Date(2009, time.January, 1, 0, 0, 0, 0, time.UTC),
	time.Date(2012, time.July, 1, 0, 0, 0, 0, time.UTC),
	time.Date(2015, time.July, 1, 0, 0, 0, 0, time.UTC),
	time.Date(2017, time.January, 1, 0, 0, 0, 0, time.UTC),
}

func leapSeconds(t time.Time) time.Duration {
	var n int
	for _, ls := range leapSecondInsertions {
		if !t.Before(ls) {
			n++
		}
	}
	return time.Duration(n) * time.Second
}

// Time wraps time.Time with GPS-epoch conversion methods.
type Time time.Time

// NewTimeFromTimeSinceGPSEpoch returns a new Time for the given duration
// since the GPS epoch (1980-01-06T00:00:00Z).
func NewTimeFromTimeSinceGPSEpoch(d time.Duration) Time {
	return Time(gpsEpochTime.Add(d - leapSeconds(gpsEpochTime.Add(d))))
}

// TimeSinceGPSEpoch returns the duration since the GPS epoch for t,
// compensating for the leap seconds inserted into UTC since 1980.
func (t Time) TimeSinceGPSEpoch() time.Duration {
	return time.Time(t).Sub(gpsEpochTime) + leapSeconds(time.Time(t))
}
