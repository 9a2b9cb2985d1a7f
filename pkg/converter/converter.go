package converter

import (
	"strconv"
	"time"
)

const (
	measureDecimals = 6
	clockLayout     = "15:04:05.999999-07"
)

// FormatMeasure renders a sensor reading as a fixed six-decimal string.
func FormatMeasure(v float64) []byte {
	return strconv.AppendFloat(nil, v, 'f', measureDecimals, 64)
}

// ParseMeasure is the inverse of FormatMeasure.
func ParseMeasure(payload []byte) (float64, error) {
	return strconv.ParseFloat(string(payload), 64)
}

// Clock formats t for log lines.
func Clock(t time.Time) string {
	return t.Format(clockLayout)
}
