package doc

// Metering is a nested counter map: stage -> counter key -> value.
// Counter keys name the provider API and unit, e.g. "ocr/pages" or
// "extraction/input_tokens". Values are non-negative; merging two documents'
// metering is pointwise addition.
type Metering map[string]map[string]int64

// Add increments a counter. Negative deltas are ignored.
func (m Metering) Add(stage, key string, delta int64) {
	if delta < 0 {
		return
	}
	counters, ok := m[stage]
	if !ok {
		counters = make(map[string]int64)
		m[stage] = counters
	}
	counters[key] += delta
}

// Get returns a counter value, zero if absent.
func (m Metering) Get(stage, key string) int64 {
	return m[stage][key]
}

// Merge adds all counters from other into m, pointwise.
func (m Metering) Merge(other Metering) {
	for stage, counters := range other {
		for key, v := range counters {
			m.Add(stage, key, v)
		}
	}
}

// Clone returns a deep copy.
func (m Metering) Clone() Metering {
	out := make(Metering, len(m))
	for stage, counters := range m {
		c := make(map[string]int64, len(counters))
		for k, v := range counters {
			c[k] = v
		}
		out[stage] = c
	}
	return out
}
