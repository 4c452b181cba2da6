package chainloom

import (
	"sync"
	"time"
)

// throughputMeter keeps a decaying average of a server's serving rate in
// blocks per second, fed with every step it serves. The announcer reads it
// between refreshes, so remote planners weigh this peer by what it recently
// did, not by what it once claimed.
type throughputMeter struct {
	lk sync.Mutex

	alpha  float64
	rate   float64
	primed bool
}

const defaultMeterAlpha = 0.2

func newThroughputMeter(initial float64) *throughputMeter {
	m := &throughputMeter{alpha: defaultMeterAlpha}
	if initial > 0 {
		m.rate = initial
		m.primed = true
	}
	return m
}

// observe records one served step: `blocks` blocks computed in `elapsed`.
func (m *throughputMeter) observe(blocks int, elapsed time.Duration) {
	if blocks <= 0 || elapsed <= 0 {
		return
	}
	sample := float64(blocks) / elapsed.Seconds()

	m.lk.Lock()
	defer m.lk.Unlock()
	if !m.primed {
		m.rate = sample
		m.primed = true
		return
	}
	m.rate = m.alpha*sample + (1-m.alpha)*m.rate
}

func (m *throughputMeter) Rate() float64 {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.rate
}
