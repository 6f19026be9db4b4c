package engine

// LevelStats describes one level of the current version.
type LevelStats struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// Stats is a point-in-time snapshot for observability tooling.
type Stats struct {
	Levels     []LevelStats `json:"levels"`
	TotalBytes int64        `json:"total_bytes"`

	MemtableBytes   uint64 `json:"memtable_bytes"`
	SealedMemtables int    `json:"sealed_memtables"`

	BloomNegatives      uint64  `json:"bloom_negatives"`
	BloomPositives      uint64  `json:"bloom_positives"`
	BloomFalsePositives uint64  `json:"bloom_false_positives"`
	BloomObservedFPRate float64 `json:"bloom_observed_fp_rate"`

	CompactionState      string `json:"compaction_state"`
	CompactionsCompleted uint64 `json:"compactions_completed"`
	LastCompactionError  string `json:"last_compaction_error,omitempty"`
}

// Stats reports level shape, memory pressure, bloom filter efficacy and
// compactor health.
func (e *Engine) Stats() Stats {
	var st Stats

	e.mu.RLock()
	st.MemtableBytes = e.active.ApproxSize()
	st.SealedMemtables = len(e.sealed)
	e.mu.RUnlock()

	v := e.set.Current()
	for _, files := range v.Levels() {
		ls := LevelStats{Files: len(files)}
		for _, fm := range files {
			ls.Bytes += fm.Size
		}
		st.TotalBytes += ls.Bytes
		st.Levels = append(st.Levels, ls)
	}
	v.Unref()

	neg, pos, fp := e.tables.bloomCounts()
	st.BloomNegatives, st.BloomPositives, st.BloomFalsePositives = neg, pos, fp
	if total := pos + neg; total > 0 {
		// Share of all probes that were wrongly let through, the
		// observable counterpart of the configured target rate.
		st.BloomObservedFPRate = float64(fp) / float64(total)
	}

	st.CompactionState = e.compactor.State().String()
	st.CompactionsCompleted = e.compactor.Completed()
	if err := e.compactor.LastError(); err != nil {
		st.LastCompactionError = err.Error()
	}
	return st
}
