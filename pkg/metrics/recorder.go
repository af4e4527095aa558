package metrics

// Recorder applies operations to a Store and keeps a journal of the ones
// that succeeded, so they can be replayed into another Store later. The span
// aggregator uses it to attribute an event's tracking calls to a span only
// once it knows the event's membership.
type Recorder struct {
	store *Store
	ops   []recordedOp
}

type recordedOp struct {
	key   string
	op    Op
	value interface{}
}

// NewRecorder creates a recorder writing through to store.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

// Apply applies the operation to the underlying store and records it.
func (r *Recorder) Apply(key string, op Op, value interface{}) error {
	if err := r.store.Apply(key, op, value); err != nil {
		return err
	}
	r.ops = append(r.ops, recordedOp{key: key, op: op, value: value})
	return nil
}

// Get reads from the underlying store.
func (r *Recorder) Get(key string) (interface{}, bool) {
	return r.store.Get(key)
}

// Len returns the number of recorded operations.
func (r *Recorder) Len() int { return len(r.ops) }

// Replay applies every recorded operation to dst. Conflicts in dst are
// recorded there and otherwise ignored.
func (r *Recorder) Replay(dst *Store) {
	for _, o := range r.ops {
		_ = dst.Apply(o.key, o.op, o.value)
	}
}

// Reset clears the journal, keeping its capacity.
func (r *Recorder) Reset() {
	for i := range r.ops {
		r.ops[i] = recordedOp{}
	}
	r.ops = r.ops[:0]
}
