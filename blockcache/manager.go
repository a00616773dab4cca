// Package blockcache implements the execution-block manager (spec.md §4.5):
// a cache of translated execblock.Block values keyed by the guest address
// each one starts at, with a deferred-flush eviction policy so a block
// currently executing is never invalidated out from under itself.
//
// Grounded on the teacher's debugger.BreakpointManager (mutex-guarded map
// plus a monotonically increasing id counter) and vm.CoverageTracker's
// address-range bookkeeping, generalised here to own whole execblock.Block
// values instead of single-address markers.
package blockcache

import (
	"sync"

	"github.com/tinybdi/tinybdi/abi"
	"github.com/tinybdi/tinybdi/execblock"
	"github.com/tinybdi/tinybdi/patch"
	"github.com/tinybdi/tinybdi/rangeset"
)

type analysisKey struct {
	addr     uint64
	size     uint8
	mnemonic string
}

// Manager caches translated blocks by guest entry address and applies the
// deferred-flush eviction policy of spec.md §4.5.
type Manager struct {
	mu sync.Mutex

	blocks   map[uint64]*execblock.Block
	analyses map[analysisKey]*patch.InstAnalysis

	pending      *rangeset.Set
	flushPending bool

	resolver *patch.SymbolResolver
}

// New builds an empty block manager. resolver may be nil.
func New(resolver *patch.SymbolResolver) *Manager {
	return &Manager{
		blocks:   make(map[uint64]*execblock.Block),
		analyses: make(map[analysisKey]*patch.InstAnalysis),
		pending:  rangeset.New(),
		resolver: resolver,
	}
}

// GetProgrammedBlock returns the cached block whose entry is pc, if any
// (spec.md §4.5's get_programmed_block).
func (m *Manager) GetProgrammedBlock(pc uint64) (*execblock.Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[pc]
	return b, ok
}

// WriteBasicBlock translates patches into a new execblock.Block, indexes it
// by its entry address and caches it (spec.md §4.5's write_basic_block).
func (m *Manager) WriteBasicBlock(patches []patch.Patch) (*execblock.Block, error) {
	b := execblock.New()
	if err := b.WriteBasicBlock(patches); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.blocks[b.GuestRange.Start] = b
	m.mu.Unlock()
	return b, nil
}

// ClearCache marks r for eviction without freeing anything yet (spec.md
// §4.5's deferred-flush policy). The actual eviction happens on the next
// FlushCommit, which the engine calls only between block executions.
func (m *Manager) ClearCache(r rangeset.Range) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending.Add(r)
	m.flushPending = true
}

// ClearAllCache marks every cached block's range for eviction.
func (m *Manager) ClearAllCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.blocks {
		m.pending.Add(b.GuestRange)
	}
	m.flushPending = true
}

// IsFlushPending reports whether a ClearCache/ClearAllCache call is waiting
// on FlushCommit (spec.md §4.5's is_flush_pending).
func (m *Manager) IsFlushPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushPending
}

// FlushCommit discards every cached block whose range overlaps the pending
// set and clears the pending set. The engine must call this only at a safe
// point — between two block executions, after canonical register state has
// been synced — never while a block is mid-execution (spec.md §4.5).
func (m *Manager) FlushCommit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.flushPending {
		return
	}
	for addr, b := range m.blocks {
		if m.pending.Overlaps(b.GuestRange) {
			delete(m.blocks, addr)
		}
	}
	m.pending = rangeset.New()
	m.flushPending = false
}

// GetSeqLoc finds the sequence, across every cached block, that begins at
// guestAddr (spec.md §4.5's get_seq_loc — used to resolve a loop back-edge
// that re-enters a block below its own start address).
func (m *Manager) GetSeqLoc(guestAddr uint64) (block *execblock.Block, seqID int, found bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.blocks {
		if !b.GuestRange.Contains(guestAddr) {
			continue
		}
		if id, ok := b.GetSeqLoc(guestAddr); ok {
			return b, id, true
		}
	}
	return nil, 0, false
}

// AnalyzeInstMetadata memoises an InstAnalysis per (instruction, type mask)
// pair, upgrading a cached entry in place when a wider mask is requested
// rather than recomputing fields already present (spec.md §4.5).
func (m *Manager) AnalyzeInstMetadata(orig patch.Patch, typeMask abi.AnalysisType) patch.InstAnalysis {
	key := analysisKey{addr: orig.Address, size: orig.InstSize, mnemonic: orig.Orig.Mnemonic}

	m.mu.Lock()
	defer m.mu.Unlock()

	ia, ok := m.analyses[key]
	if !ok {
		computed := patch.Analyze(orig.Orig, typeMask, m.resolver)
		m.analyses[key] = &computed
		return computed
	}
	ia.Upgrade(orig.Orig, typeMask, m.resolver)
	return *ia
}
