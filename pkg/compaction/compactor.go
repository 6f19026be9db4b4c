// Package compaction merges SSTables across levels in the background,
// keeping only the newest version per key and purging tombstones once no
// older version can survive below the output level.
package compaction

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hk669/snailDB/pkg/iterator"
	"github.com/Hk669/snailDB/pkg/manifest"
	"github.com/Hk669/snailDB/pkg/sstable"
)

// State is the compactor's position in its cycle:
// Idle -> Selecting -> Merging -> Installing -> Idle.
type State int32

const (
	Idle State = iota
	Selecting
	Merging
	Installing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Selecting:
		return "selecting"
	case Merging:
		return "merging"
	case Installing:
		return "installing"
	default:
		return "unknown"
	}
}

const cancelCheckInterval = 1024 // entries between ctx checks while merging

// Options shape the level structure and the output tables.
type Options struct {
	L0Trigger           int
	BaseLevelBytes      int64
	LevelSizeMultiplier int
	MaxLevels           int
	TargetFileSize      int64
	Table               sstable.WriterOptions
}

func (o Options) withDefaults() Options {
	if o.L0Trigger <= 0 {
		o.L0Trigger = 4
	}
	if o.BaseLevelBytes <= 0 {
		o.BaseLevelBytes = 10 * 1024 * 1024
	}
	if o.LevelSizeMultiplier <= 1 {
		o.LevelSizeMultiplier = 10
	}
	if o.MaxLevels <= 1 {
		o.MaxLevels = 7
	}
	if o.TargetFileSize <= 0 {
		o.TargetFileSize = 2 * 1024 * 1024
	}
	return o
}

// Compactor runs one merge cycle at a time. Failures abort the cycle
// without installing anything; inputs stay valid and the next cycle
// simply retries.
type Compactor struct {
	dir  string
	set  *manifest.Set
	open func(fm manifest.FileMeta) (*sstable.Reader, error)
	opts Options

	state     atomic.Int32
	completed atomic.Uint64

	// cycleMu serializes cycles; extra workers skip instead of queueing.
	cycleMu sync.Mutex

	mu      sync.Mutex
	lastErr error
}

// New wires a compactor to the manifest and to the engine's table cache
// (the open callback must return a reader that stays valid for the
// duration of the cycle; the compactor holds a version reference to
// guarantee the files themselves survive).
func New(dir string, set *manifest.Set, open func(manifest.FileMeta) (*sstable.Reader, error), opts Options) *Compactor {
	return &Compactor{dir: dir, set: set, open: open, opts: opts.withDefaults()}
}

func (c *Compactor) State() State {
	return State(c.state.Load())
}

// Completed counts successfully installed compactions.
func (c *Compactor) Completed() uint64 {
	return c.completed.Load()
}

// LastError reports the most recent cycle failure, cleared by the next
// successful install.
func (c *Compactor) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Compactor) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

// Run drives compaction until ctx is cancelled. kick wakes it eagerly
// (the engine signals after every flush); otherwise it polls. Errors are
// logged and retried with backoff, never fatal.
func (c *Compactor) Run(ctx context.Context, kick <-chan struct{}) {
	backoff := time.Second
	for {
		worked, err := c.MaybeCompact(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			slog.Warn("compaction cycle failed, backing off", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < time.Minute {
				backoff *= 2
			}
			continue
		case worked:
			backoff = time.Second
			continue // keep going while there is work
		}

		select {
		case <-kick:
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

// job is one selected compaction: inputs from two adjacent levels and the
// level the merged output lands in.
type job struct {
	inputs      []manifest.FileMeta
	outputLevel int
	dropTombs   bool
}

// MaybeCompact runs at most one cycle, reporting whether any work was
// done. Cancellation between selection and installation leaves no trace.
func (c *Compactor) MaybeCompact(ctx context.Context) (bool, error) {
	if !c.cycleMu.TryLock() {
		return false, nil // another worker is mid-cycle
	}
	defer c.cycleMu.Unlock()

	c.state.Store(int32(Selecting))
	defer c.state.Store(int32(Idle))

	v := c.set.Current()
	defer v.Unref()

	j := c.pick(v)
	if j == nil {
		return false, nil
	}
	if err := c.run(ctx, v, j); err != nil {
		c.setErr(err)
		return false, err
	}
	c.setErr(nil)
	c.completed.Add(1)
	return true, nil
}

// CompactAll merges every live table into a single bottom level. Used by
// the manual compaction trigger; with nothing below the output, all
// shadowed versions and tombstones are purged.
func (c *Compactor) CompactAll(ctx context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	c.state.Store(int32(Selecting))
	defer c.state.Store(int32(Idle))

	v := c.set.Current()
	defer v.Unref()

	inputs := v.Files()
	if len(inputs) == 0 {
		return nil
	}
	out := 1
	for l, files := range v.Levels() {
		if l > 0 && len(files) > 0 {
			out = l
		}
	}
	j := &job{inputs: inputs, outputLevel: out, dropTombs: true}
	if err := c.run(ctx, v, j); err != nil {
		c.setErr(err)
		return err
	}
	c.setErr(nil)
	c.completed.Add(1)
	return nil
}

// pick chooses the level most over budget: L0 by file count, deeper
// levels by total size against an exponentially growing target.
func (c *Compactor) pick(v *manifest.Version) *job {
	levels := v.Levels()

	bestLevel, bestScore := -1, 1.0
	if n := len(levels[0]); n >= c.opts.L0Trigger {
		bestLevel = 0
		bestScore = float64(n) / float64(c.opts.L0Trigger)
	}
	for l := 1; l < len(levels)-1; l++ {
		var size int64
		for _, fm := range levels[l] {
			size += fm.Size
		}
		if score := float64(size) / float64(c.levelBudget(l)); score > bestScore {
			bestLevel, bestScore = l, score
		}
	}
	if bestLevel < 0 {
		return nil
	}

	out := bestLevel + 1
	var inputs []manifest.FileMeta
	var lo, hi []byte
	if bestLevel == 0 {
		inputs = append(inputs, levels[0]...)
	} else {
		// One file per cycle keeps each cycle bounded.
		inputs = append(inputs, levels[bestLevel][0])
	}
	for _, fm := range inputs {
		lo, hi = widen(lo, hi, fm)
	}
	for _, fm := range levels[out] {
		if overlaps(fm, lo, hi) {
			inputs = append(inputs, fm)
		}
	}
	// The pulled-in output-level files can extend the key range; the
	// tombstone check below must cover the widened range.
	for _, fm := range inputs {
		lo, hi = widen(lo, hi, fm)
	}

	return &job{
		inputs:      inputs,
		outputLevel: out,
		dropTombs:   c.nothingBelow(v, out, lo, hi),
	}
}

func (c *Compactor) levelBudget(level int) int64 {
	budget := c.opts.BaseLevelBytes
	for l := 1; l < level; l++ {
		budget *= int64(c.opts.LevelSizeMultiplier)
	}
	return budget
}

func widen(lo, hi []byte, fm manifest.FileMeta) ([]byte, []byte) {
	if lo == nil || bytes.Compare(fm.MinKey, lo) < 0 {
		lo = fm.MinKey
	}
	if hi == nil || bytes.Compare(fm.MaxKey, hi) > 0 {
		hi = fm.MaxKey
	}
	return lo, hi
}

func overlaps(fm manifest.FileMeta, lo, hi []byte) bool {
	return bytes.Compare(fm.MaxKey, lo) >= 0 && bytes.Compare(fm.MinKey, hi) <= 0
}

// nothingBelow reports whether no level deeper than outputLevel holds a
// file overlapping [lo, hi]. Only then may a tombstone be dropped: it no
// longer shadows anything.
func (c *Compactor) nothingBelow(v *manifest.Version, outputLevel int, lo, hi []byte) bool {
	levels := v.Levels()
	for l := outputLevel + 1; l < len(levels); l++ {
		for _, fm := range levels[l] {
			if overlaps(fm, lo, hi) {
				return false
			}
		}
	}
	return true
}

// run merges the job's inputs and installs the result. Sources are handed
// to the merge newest first: L0 files by descending id, then deeper
// levels, so the first occurrence of a key is its newest version.
func (c *Compactor) run(ctx context.Context, v *manifest.Version, j *job) error {
	c.state.Store(int32(Merging))

	ordered := append([]manifest.FileMeta(nil), j.inputs...)
	sort.Slice(ordered, func(i, k int) bool {
		a, b := ordered[i], ordered[k]
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		return a.ID > b.ID
	})

	sources := make([]iterator.Iterator, 0, len(ordered))
	for _, fm := range ordered {
		r, err := c.open(fm)
		if err != nil {
			return fmt.Errorf("failed to open compaction input %d: %w", fm.ID, err)
		}
		sources = append(sources, r.Iter(nil, nil))
	}

	outputs, err := c.merge(ctx, iterator.Merge(sources...), j)
	if err != nil {
		return err
	}

	c.state.Store(int32(Installing))
	if err := ctx.Err(); err != nil {
		// Cancelled after merge, before install: discard the outputs,
		// inputs remain the truth.
		for _, fm := range outputs {
			removeTable(c.dir, fm)
		}
		return err
	}

	edit := manifest.Edit{Add: outputs}
	for _, fm := range j.inputs {
		edit.Remove = append(edit.Remove, fm.ID)
	}
	if err := c.set.Apply(edit); err != nil {
		for _, fm := range outputs {
			removeTable(c.dir, fm)
		}
		return fmt.Errorf("failed to install compaction: %w", err)
	}

	slog.Info("compaction installed",
		"inputs", len(j.inputs), "outputs", len(outputs), "level", j.outputLevel)
	return nil
}

// merge streams the combined inputs into target-sized output tables.
func (c *Compactor) merge(ctx context.Context, merged iterator.Iterator, j *job) (outputs []manifest.FileMeta, err error) {
	var (
		w       *sstable.Writer
		wID     uint64
		wBytes  int64
		lastKey []byte
		seen    int
	)

	abort := func() {
		if w != nil {
			w.Abort()
		}
		for _, fm := range outputs {
			removeTable(c.dir, fm)
		}
	}

	finish := func() error {
		if w == nil {
			return nil
		}
		if err := w.Finish(); err != nil {
			return err
		}
		r, err := sstable.Open(w.Path())
		if err != nil {
			return err
		}
		meta := r.Meta()
		r.Close()
		outputs = append(outputs, manifest.FileMeta{
			ID:         wID,
			Level:      j.outputLevel,
			Size:       meta.Size,
			EntryCount: meta.EntryCount,
			MinKey:     meta.MinKey,
			MaxKey:     meta.MaxKey,
			MaxSeq:     meta.MaxSeq,
		})
		w = nil
		wBytes = 0
		return nil
	}

	for merged.Next() {
		seen++
		if seen%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				abort()
				return nil, err
			}
		}

		e := merged.Entry()
		if lastKey != nil && bytes.Equal(e.Key, lastKey) {
			continue // shadowed by a newer version already emitted
		}
		lastKey = append(lastKey[:0], e.Key...)

		if e.Tombstone() && j.dropTombs {
			continue
		}

		if w != nil && wBytes >= c.opts.TargetFileSize {
			if err := finish(); err != nil {
				abort()
				return nil, err
			}
		}
		if w == nil {
			wID = c.set.NextFileID()
			w, err = sstable.NewWriter(manifest.TablePath(c.dir, j.outputLevel, wID), c.opts.Table)
			if err != nil {
				abort()
				return nil, err
			}
		}
		if err := w.Add(e); err != nil {
			abort()
			return nil, err
		}
		wBytes += int64(len(e.Key) + len(e.Value))
	}
	if err := merged.Err(); err != nil {
		abort()
		return nil, err
	}
	if err := finish(); err != nil {
		abort()
		return nil, err
	}
	return outputs, nil
}

func removeTable(dir string, fm manifest.FileMeta) {
	path := manifest.TablePath(dir, fm.Level, fm.ID)
	if err := os.Remove(path); err != nil {
		slog.Warn("failed to remove discarded compaction output", "path", path, "error", err)
	}
}
