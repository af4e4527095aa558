package metrics

import (
	"math"
	"sort"
)

// sketchAccuracy is the relative error bound of reported quantiles.
const sketchAccuracy = 0.01

var (
	sketchGamma    = (1 + sketchAccuracy) / (1 - sketchAccuracy)
	sketchLogGamma = math.Log(sketchGamma)
)

// Quantiles reported by percentile aggregates.
var Quantiles = []struct {
	Name string
	Q    float64
}{
	{"p50", 0.50},
	{"p90", 0.90},
	{"p95", 0.95},
	{"p99", 0.99},
}

// sketch is a log-bucketed quantile sketch. Values map to bucket
// ceil(log_gamma(|v|)); merging adds bucket counts, which keeps the merge
// exact and order independent.
type sketch struct {
	pos   map[int]int64
	neg   map[int]int64
	zero  int64
	count int64
}

func newSketch() *sketch {
	return &sketch{pos: make(map[int]int64), neg: make(map[int]int64)}
}

func (s *sketch) Op() Op { return OpPercentile }

func (s *sketch) Value() interface{} {
	if s.count == 0 {
		return nil
	}
	out := make(map[string]float64, len(Quantiles))
	for _, q := range Quantiles {
		out[q.Name] = s.Quantile(q.Q)
	}
	return out
}

func (s *sketch) observe(v interface{}) error {
	n, err := toNumeric(v)
	if err != nil {
		return err
	}
	f := n.float()
	switch {
	case math.Abs(f) < 1e-9:
		s.zero++
	case f > 0:
		s.pos[bucketIndex(f)]++
	default:
		s.neg[bucketIndex(-f)]++
	}
	s.count++
	return nil
}

func (s *sketch) merge(o Aggregate) {
	other := o.(*sketch)
	for k, v := range other.pos {
		s.pos[k] += v
	}
	for k, v := range other.neg {
		s.neg[k] += v
	}
	s.zero += other.zero
	s.count += other.count
}

func (s *sketch) clone() Aggregate {
	c := newSketch()
	c.merge(s)
	return c
}

func (s *sketch) delta(base Aggregate) (interface{}, bool) {
	d := s.clone().(*sketch)
	if b, ok := base.(*sketch); ok {
		for k, v := range b.pos {
			d.pos[k] -= v
			if d.pos[k] <= 0 {
				delete(d.pos, k)
			}
		}
		for k, v := range b.neg {
			d.neg[k] -= v
			if d.neg[k] <= 0 {
				delete(d.neg, k)
			}
		}
		d.zero -= b.zero
		d.count -= b.count
	}
	if d.count <= 0 {
		return nil, false
	}
	return d.Value(), true
}

// Quantile returns the estimated value at quantile q in [0, 1].
func (s *sketch) Quantile(q float64) float64 {
	if s.count == 0 {
		return math.NaN()
	}
	if q < 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}
	rank := int64(q * float64(s.count-1))

	var cum int64
	negKeys := sortedKeys(s.neg)
	for i := len(negKeys) - 1; i >= 0; i-- {
		cum += s.neg[negKeys[i]]
		if cum > rank {
			return -bucketValue(negKeys[i])
		}
	}
	cum += s.zero
	if cum > rank {
		return 0
	}
	posKeys := sortedKeys(s.pos)
	for _, k := range posKeys {
		cum += s.pos[k]
		if cum > rank {
			return bucketValue(k)
		}
	}
	if len(posKeys) > 0 {
		return bucketValue(posKeys[len(posKeys)-1])
	}
	return 0
}

func bucketIndex(v float64) int {
	return int(math.Ceil(math.Log(v) / sketchLogGamma))
}

func bucketValue(idx int) float64 {
	return 2 * math.Pow(sketchGamma, float64(idx)) / (sketchGamma + 1)
}

func sortedKeys(m map[int]int64) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
