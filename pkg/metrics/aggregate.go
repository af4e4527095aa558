package metrics

import (
	"fmt"
	"sort"
)

// Op names an aggregation. The op applied first to a key fixes its type.
type Op string

const (
	OpCount      Op = "count"
	OpSum        Op = "sum"
	OpMin        Op = "min"
	OpMax        Op = "max"
	OpAvg        Op = "avg"
	OpUnique     Op = "unique"
	OpBucket     Op = "bucket"
	OpPercentile Op = "percentile"
)

// Ops lists every supported operation.
var Ops = []Op{OpCount, OpSum, OpMin, OpMax, OpAvg, OpUnique, OpBucket, OpPercentile}

// ParseOp parses an operation name.
func ParseOp(s string) (Op, error) {
	for _, op := range Ops {
		if string(op) == s {
			return op, nil
		}
	}
	if s == "average" {
		return OpAvg, nil
	}
	return "", fmt.Errorf("unknown metric operation %q", s)
}

// Aggregate is one typed metric value. Every implementation's merge is
// associative and commutative.
type Aggregate interface {
	// Op returns the aggregate's operation.
	Op() Op
	// Value returns the display value.
	Value() interface{}

	observe(v interface{}) error
	merge(o Aggregate)
	clone() Aggregate
	// delta returns what changed since base (nil base = empty). The bool is
	// false when nothing changed.
	delta(base Aggregate) (interface{}, bool)
}

func newAggregate(op Op) (Aggregate, error) {
	switch op {
	case OpCount:
		return &countAgg{}, nil
	case OpSum:
		return &sumAgg{}, nil
	case OpMin:
		return &extremeAgg{op: OpMin}, nil
	case OpMax:
		return &extremeAgg{op: OpMax}, nil
	case OpAvg:
		return &avgAgg{}, nil
	case OpUnique:
		return &uniqueAgg{members: make(map[string]struct{})}, nil
	case OpBucket:
		return &bucketAgg{buckets: make(map[string]int64)}, nil
	case OpPercentile:
		return newSketch(), nil
	default:
		return nil, fmt.Errorf("unknown metric operation %q", op)
	}
}

// --- count ---

type countAgg struct {
	n int64
}

func (a *countAgg) Op() Op             { return OpCount }
func (a *countAgg) Value() interface{} { return a.n }

func (a *countAgg) observe(v interface{}) error {
	if v == nil {
		a.n++
		return nil
	}
	n, err := toNumeric(v)
	if err != nil {
		return err
	}
	if n.isFloat {
		return fmt.Errorf("count increment must be an integer, got %v", n.f)
	}
	a.n += n.i
	return nil
}

func (a *countAgg) merge(o Aggregate) { a.n += o.(*countAgg).n }
func (a *countAgg) clone() Aggregate  { return &countAgg{n: a.n} }

func (a *countAgg) delta(base Aggregate) (interface{}, bool) {
	d := a.n
	if b, ok := base.(*countAgg); ok {
		d -= b.n
	}
	return d, d != 0
}

// --- sum ---

type sumAgg struct {
	sum number
}

func (a *sumAgg) Op() Op             { return OpSum }
func (a *sumAgg) Value() interface{} { return a.sum.value() }

func (a *sumAgg) observe(v interface{}) error {
	n, err := toNumeric(v)
	if err != nil {
		return err
	}
	a.sum.add(n)
	return nil
}

func (a *sumAgg) merge(o Aggregate) { a.sum.addNumber(o.(*sumAgg).sum) }
func (a *sumAgg) clone() Aggregate  { return &sumAgg{sum: a.sum.clone()} }

func (a *sumAgg) delta(base Aggregate) (interface{}, bool) {
	d := a.sum.clone()
	if b, ok := base.(*sumAgg); ok {
		d = a.sum.sub(b.sum)
	}
	return d.value(), !d.isZero()
}

// --- min / max ---

type extremeAgg struct {
	op  Op
	set bool
	v   numeric
}

func (a *extremeAgg) Op() Op { return a.op }

func (a *extremeAgg) Value() interface{} {
	if !a.set {
		return nil
	}
	return a.v.value()
}

func (a *extremeAgg) observe(v interface{}) error {
	n, err := toNumeric(v)
	if err != nil {
		return err
	}
	a.offer(n)
	return nil
}

func (a *extremeAgg) offer(n numeric) {
	if !a.set {
		a.v, a.set = n, true
		return
	}
	switch {
	case a.op == OpMin && n.less(a.v), a.op == OpMax && a.v.less(n):
		a.v = n
	case !n.less(a.v) && !a.v.less(n) && a.v.isFloat && !n.isFloat:
		// Ties prefer the int so the result does not depend on merge order.
		a.v = n
	}
}

func (a *extremeAgg) merge(o Aggregate) {
	other := o.(*extremeAgg)
	if other.set {
		a.offer(other.v)
	}
}

func (a *extremeAgg) clone() Aggregate {
	c := *a
	return &c
}

func (a *extremeAgg) delta(base Aggregate) (interface{}, bool) {
	if !a.set {
		return nil, false
	}
	if b, ok := base.(*extremeAgg); ok && b.set && b.v.equal(a.v) {
		return nil, false
	}
	return a.v.value(), true
}

// --- average ---

type avgAgg struct {
	sum   number
	count int64
}

func (a *avgAgg) Op() Op { return OpAvg }

func (a *avgAgg) Value() interface{} {
	if a.count == 0 {
		return nil
	}
	return a.sum.float() / float64(a.count)
}

func (a *avgAgg) observe(v interface{}) error {
	n, err := toNumeric(v)
	if err != nil {
		return err
	}
	a.sum.add(n)
	a.count++
	return nil
}

func (a *avgAgg) merge(o Aggregate) {
	other := o.(*avgAgg)
	a.sum.addNumber(other.sum)
	a.count += other.count
}

func (a *avgAgg) clone() Aggregate {
	return &avgAgg{sum: a.sum.clone(), count: a.count}
}

func (a *avgAgg) delta(base Aggregate) (interface{}, bool) {
	d := &avgAgg{sum: a.sum.clone(), count: a.count}
	if b, ok := base.(*avgAgg); ok {
		d.sum = a.sum.sub(b.sum)
		d.count = a.count - b.count
	}
	if d.count == 0 {
		return nil, false
	}
	return d.Value(), true
}

// --- unique ---

type uniqueAgg struct {
	members map[string]struct{}
}

func (a *uniqueAgg) Op() Op             { return OpUnique }
func (a *uniqueAgg) Value() interface{} { return int64(len(a.members)) }

func (a *uniqueAgg) observe(v interface{}) error {
	if v == nil {
		return fmt.Errorf("missing value")
	}
	a.members[memberKey(v)] = struct{}{}
	return nil
}

func (a *uniqueAgg) merge(o Aggregate) {
	for m := range o.(*uniqueAgg).members {
		a.members[m] = struct{}{}
	}
}

func (a *uniqueAgg) clone() Aggregate {
	c := &uniqueAgg{members: make(map[string]struct{}, len(a.members))}
	for m := range a.members {
		c.members[m] = struct{}{}
	}
	return c
}

func (a *uniqueAgg) delta(base Aggregate) (interface{}, bool) {
	b, _ := base.(*uniqueAgg)
	var n int64
	for m := range a.members {
		if b != nil {
			if _, seen := b.members[m]; seen {
				continue
			}
		}
		n++
	}
	return n, n != 0
}

// Members returns the distinct members in sorted order.
func (a *uniqueAgg) Members() []string {
	out := make([]string, 0, len(a.members))
	for m := range a.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func memberKey(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}

// --- bucket histogram ---

type bucketAgg struct {
	buckets map[string]int64
}

func (a *bucketAgg) Op() Op { return OpBucket }

func (a *bucketAgg) Value() interface{} {
	out := make(map[string]int64, len(a.buckets))
	for k, v := range a.buckets {
		out[k] = v
	}
	return out
}

func (a *bucketAgg) observe(v interface{}) error {
	if v == nil {
		return fmt.Errorf("missing bucket")
	}
	a.buckets[memberKey(v)]++
	return nil
}

func (a *bucketAgg) merge(o Aggregate) {
	for k, v := range o.(*bucketAgg).buckets {
		a.buckets[k] += v
	}
}

func (a *bucketAgg) clone() Aggregate {
	return &bucketAgg{buckets: a.Value().(map[string]int64)}
}

func (a *bucketAgg) delta(base Aggregate) (interface{}, bool) {
	b, _ := base.(*bucketAgg)
	out := make(map[string]int64)
	for k, v := range a.buckets {
		d := v
		if b != nil {
			d -= b.buckets[k]
		}
		if d > 0 {
			out[k] = d
		}
	}
	return out, len(out) > 0
}
