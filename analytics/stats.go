package analytics

import (
	"math"
	"sort"

	"iot-threat-engine/models"
)

// Stats are the descriptive statistics of one metric for one device.
type Stats struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Min   float64 `json:"min"`
	Q25   float64 `json:"q25"`
	Q50   float64 `json:"q50"`
	Q75   float64 `json:"q75"`
	Max   float64 `json:"max"`
}

// DeviceSummary groups the per-metric statistics of one device.
type DeviceSummary struct {
	DeviceID string           `json:"device_id"`
	Readings int              `json:"readings"`
	Metrics  map[Metric]Stats `json:"metrics"`
}

// series accumulates one metric's values for a device.
type series struct {
	values []float64
	sum    float64
}

func (s *series) add(v float64) {
	s.values = append(s.values, v)
	s.sum += v
}

func (s *series) mean() float64 {
	if len(s.values) == 0 {
		return 0
	}
	return s.sum / float64(len(s.values))
}

// std is the sample standard deviation; it is 0 below two values.
func (s *series) std() float64 {
	n := len(s.values)
	if n < 2 {
		return 0
	}
	avg := s.mean()
	var variance float64
	for _, v := range s.values {
		diff := v - avg
		variance += diff * diff
	}
	return math.Sqrt(variance / float64(n-1))
}

func (s *series) stats() Stats {
	sorted := make([]float64, len(s.values))
	copy(sorted, s.values)
	sort.Float64s(sorted)
	return Stats{
		Count: len(sorted),
		Mean:  s.mean(),
		Std:   s.std(),
		Min:   sorted[0],
		Q25:   quantile(sorted, 0.25),
		Q50:   quantile(sorted, 0.50),
		Q75:   quantile(sorted, 0.75),
		Max:   sorted[len(sorted)-1],
	}
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// Summarize computes per-device descriptive statistics for temperature,
// voltage and signal strength. Absent fields are left out of their metric.
// The running state lives only for the duration of the call.
func Summarize(readings []models.Reading) map[string]DeviceSummary {
	type device struct {
		readings int
		metrics  map[Metric]*series
	}
	devices := make(map[string]*device)

	for _, r := range readings {
		d, ok := devices[r.DeviceID]
		if !ok {
			d = &device{metrics: make(map[Metric]*series)}
			devices[r.DeviceID] = d
		}
		d.readings++
		for _, m := range monitoredMetrics {
			v, present := metricValue(r, m)
			if !present {
				continue
			}
			s, ok := d.metrics[m]
			if !ok {
				s = &series{}
				d.metrics[m] = s
			}
			s.add(v)
		}
	}

	out := make(map[string]DeviceSummary, len(devices))
	for id, d := range devices {
		summary := DeviceSummary{
			DeviceID: id,
			Readings: d.readings,
			Metrics:  make(map[Metric]Stats, len(d.metrics)),
		}
		for m, s := range d.metrics {
			summary.Metrics[m] = s.stats()
		}
		out[id] = summary
	}
	return out
}
