package pipeline

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/logflow/logstream/internal/model"
	lserrors "github.com/logflow/logstream/pkg/errors"
)

// ErrorPolicy determines how stage and timestamp errors are handled.
type ErrorPolicy int

const (
	// PolicyResilient drops the offending event, records the error and
	// continues.
	PolicyResilient ErrorPolicy = iota
	// PolicyStrict aborts the run on the first error.
	PolicyStrict
)

func (p ErrorPolicy) String() string {
	switch p {
	case PolicyResilient:
		return "resilient"
	case PolicyStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// ParseErrorPolicy parses a policy name. "skip" is accepted as an alias of
// resilient.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch s {
	case "", "resilient", "skip":
		return PolicyResilient, nil
	case "strict":
		return PolicyStrict, nil
	default:
		return PolicyResilient, lserrors.Config("unknown error policy %q", s)
	}
}

// ErrorRecord is one recorded failure with its input position.
type ErrorRecord struct {
	Seq       uint64
	Source    string
	Line      int64
	Kind      string
	Code      lserrors.Code
	Message   string
	Raw       string
	Timestamp time.Time
}

// Position formats the record's input position as file:line.
func (r ErrorRecord) Position() string {
	src := r.Source
	if src == "" {
		src = "-"
	}
	return fmt.Sprintf("%s:%d", src, r.Line)
}

// ErrorHandler applies the error policy and keeps the per-kind breakdown
// reported in the run summary. It is safe for concurrent use by workers.
type ErrorHandler struct {
	mu sync.Mutex

	policy    ErrorPolicy
	maxErrors int64 // abort once reached (0 = unlimited)
	count     int64
	byKind    map[string]int64

	// Collected errors (limited to avoid memory issues)
	records   []ErrorRecord
	maxStored int

	onError    func(ErrorRecord)
	deadLetter *DeadLetterWriter
	logger     *zap.Logger
}

// NewErrorHandler creates a handler with the given policy.
func NewErrorHandler(policy ErrorPolicy) *ErrorHandler {
	return &ErrorHandler{
		policy:    policy,
		byKind:    make(map[string]int64),
		maxStored: 1000,
		records:   make([]ErrorRecord, 0, 16),
		logger:    zap.NewNop(),
	}
}

// WithMaxErrors sets the number of errors after which a resilient run
// aborts anyway.
func (h *ErrorHandler) WithMaxErrors(max int64) *ErrorHandler {
	h.maxErrors = max
	return h
}

// WithOnError sets a callback invoked for each error.
func (h *ErrorHandler) WithOnError(fn func(ErrorRecord)) *ErrorHandler {
	h.onError = fn
	return h
}

// WithDeadLetter writes every errored event to w.
func (h *ErrorHandler) WithDeadLetter(w *DeadLetterWriter) *ErrorHandler {
	h.deadLetter = w
	return h
}

// WithLogger sets the logger.
func (h *ErrorHandler) WithLogger(l *zap.Logger) *ErrorHandler {
	if l != nil {
		h.logger = l
	}
	return h
}

// Policy returns the configured policy.
func (h *ErrorHandler) Policy() ErrorPolicy { return h.policy }

// HandleError records err raised while processing e (nil when the error is
// not tied to an event). It returns nil when processing may continue and the
// error that ends the run otherwise.
func (h *ErrorHandler) HandleError(err error, e *model.Event) error {
	if err == nil {
		return nil
	}
	rec := ErrorRecord{
		Kind:      lserrors.Kind(err),
		Code:      lserrors.GetCode(err),
		Message:   err.Error(),
		Timestamp: time.Now(),
	}
	if e != nil {
		rec.Seq, rec.Source, rec.Line, rec.Raw = e.Seq, e.Source, e.Line, e.Raw
	}

	h.mu.Lock()
	h.count++
	h.byKind[rec.Kind]++
	if len(h.records) < h.maxStored {
		h.records = append(h.records, rec)
	}
	count := h.count
	onError, dl := h.onError, h.deadLetter
	h.mu.Unlock()

	if onError != nil {
		onError(rec)
	}
	if dl != nil && e != nil {
		if dlErr := dl.Write(rec, e); dlErr != nil {
			h.logger.Warn("dead letter write failed", zap.Error(dlErr))
		}
	}

	if lserrors.IsFatal(err) || h.policy == PolicyStrict {
		h.logger.Error("aborting run",
			zap.String("kind", rec.Kind),
			zap.String("position", rec.Position()),
			zap.Error(err))
		return err
	}
	if h.maxErrors > 0 && count >= h.maxErrors {
		return lserrors.Newf(lserrors.CodeUnknown, "maximum error count (%d) exceeded at %s", h.maxErrors, rec.Position()).
			WithContext("last", rec.Message)
	}
	h.logger.Debug("event dropped",
		zap.String("kind", rec.Kind),
		zap.String("position", rec.Position()),
		zap.Error(err))
	return nil
}

// Discount removes errors counted for events whose results were discarded,
// such as batches processed past the point where a run aborted.
func (h *ErrorHandler) Discount(kinds map[string]int64) {
	if len(kinds) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for k, n := range kinds {
		h.count -= n
		h.byKind[k] -= n
		if h.byKind[k] <= 0 {
			delete(h.byKind, k)
		}
	}
}

// Stats returns error statistics.
func (h *ErrorHandler) Stats() ErrorStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	byKind := make(map[string]int64, len(h.byKind))
	for k, v := range h.byKind {
		byKind[k] = v
	}
	return ErrorStats{Count: h.count, ByKind: byKind, Policy: h.policy}
}

// Errors returns collected errors.
func (h *ErrorHandler) Errors() []ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]ErrorRecord, len(h.records))
	copy(result, h.records)
	return result
}

// Reset clears all collected errors.
func (h *ErrorHandler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.count = 0
	h.byKind = make(map[string]int64)
	h.records = h.records[:0]
}

// ErrorStats contains error processing statistics.
type ErrorStats struct {
	Count  int64
	ByKind map[string]int64
	Policy ErrorPolicy
}
