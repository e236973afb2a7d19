package pipeline

// sampleAgg keeps the first N messages it sees and counts the rest.
// Batches over large municipal layers can produce thousands of identical
// coercion warnings; keeping a bounded sample is enough for operators to
// identify the pattern.
type sampleAgg struct {
	limit int
	msgs  []string
	total int
}

func newSampleAgg(limit int) *sampleAgg {
	return &sampleAgg{limit: limit}
}

// add records one message. Callers synchronize; the pipeline adds under
// its result mutex.
func (a *sampleAgg) add(msg string) {
	a.total++
	if len(a.msgs) < a.limit {
		a.msgs = append(a.msgs, msg)
	}
}

func (a *sampleAgg) sample() []string { return a.msgs }
