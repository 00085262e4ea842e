package abr

import (
	"math"
	"time"
)

// Sample is one bandwidth observation.
type Sample struct {
	Time      time.Time `json:"time"`
	Bandwidth float64   `json:"bandwidth"` // kbps
	Latency   float64   `json:"latency"`   // ms
}

// sampleRing is a fixed-capacity FIFO of samples, oldest first.
type sampleRing struct {
	buf   []Sample
	start int
	n     int
}

func newSampleRing(capacity int) sampleRing {
	return sampleRing{buf: make([]Sample, capacity)}
}

// push appends s, overwriting the oldest sample when full.
func (r *sampleRing) push(s Sample) {
	if len(r.buf) == 0 {
		return
	}
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

// prune drops samples taken before cutoff.
func (r *sampleRing) prune(cutoff time.Time) {
	for r.n > 0 && r.buf[r.start].Time.Before(cutoff) {
		r.buf[r.start] = Sample{}
		r.start = (r.start + 1) % len(r.buf)
		r.n--
	}
}

func (r *sampleRing) len() int { return r.n }

// slice returns a copy of the samples, oldest first.
func (r *sampleRing) slice() []Sample {
	out := make([]Sample, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// estimateBandwidth weights the i-th oldest of n samples by 0.8^(n-1-i),
// so the newest sample counts most.
func estimateBandwidth(samples []Sample) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	var sum, weights float64
	for i, s := range samples {
		w := math.Pow(0.8, float64(n-1-i))
		sum += w * s.Bandwidth
		weights += w
	}
	return sum / weights
}
