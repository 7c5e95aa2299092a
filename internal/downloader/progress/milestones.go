package progress

// Func receives the declared length of a transfer and the bytes copied so far.
type Func func(total, written int64)

// DefaultSteps is the number of evenly spaced thresholds a transfer is split into.
const DefaultSteps = 10

// Milestones throttles progress notifications to at most steps calls per transfer.
// A notification fires when the copied byte count reaches the next threshold
// (k*total/steps) or equals total. Each notification advances the threshold by one,
// so a chunk crossing several thresholds still produces a single call.
type Milestones struct {
	total int64
	steps int64
	next  int64 // 1-based index of the next threshold
	fn    Func
}

// NewMilestones returns nil when fn is nil; a nil *Milestones ignores updates.
func NewMilestones(total int64, steps int, fn Func) *Milestones {
	if fn == nil {
		return nil
	}

	if steps <= 0 {
		steps = DefaultSteps
	}

	return &Milestones{
		total: total,
		steps: int64(steps),
		next:  1,
		fn:    fn,
	}
}

// Update reports the cumulative number of bytes copied.
func (m *Milestones) Update(written int64) {
	if m == nil {
		return
	}

	if written*m.steps >= m.next*m.total || written == m.total {
		m.next++
		m.fn(m.total, written)
	}
}
