package cab

import "time"

// msDosTimeToTime converts an MS-DOS date and time into a time.Time in UTC.
// The resolution is 2s.
func msDosTimeToTime(dosDate, dosTime uint16) time.Time {
	return time.Date(
		// date bits 0-4: day of month; 5-8: month; 9-15: years since 1980
		int(dosDate>>9+1980),
		time.Month(dosDate>>5&0xf),
		int(dosDate&0x1f),

		// time bits 0-4: second/2; 5-10: minute; 11-15: hour
		int(dosTime>>11),
		int(dosTime>>5&0x3f),
		int(dosTime&0x1f*2),
		0, // nanoseconds

		time.UTC,
	)
}

// timeToMsDosTime is the inverse of msDosTimeToTime. Times before 1980 are
// clamped to the DOS epoch.
func timeToMsDosTime(t time.Time) (dosDate, dosTime uint16) {
	t = t.UTC()
	if t.Year() < 1980 {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	dosDate = uint16(t.Day() + int(t.Month())<<5 + (t.Year()-1980)<<9)
	dosTime = uint16(t.Second()/2 + t.Minute()<<5 + t.Hour()<<11)
	return
}
