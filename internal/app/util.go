package app

import (
	"math"
	"time"
)

// epsilon floors residual units/costs so floating-point dust never keeps a
// lot from closing.
const epsilon = 1e-10

func floorEpsilon(v float64) float64 {
	if math.Abs(v) < epsilon {
		return 0
	}
	return v
}

// dateKey buckets a timestamp to its UTC calendar day.
func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func shortAddr(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + ".." + addr[len(addr)-4:]
}

func pctChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from * 100
}
