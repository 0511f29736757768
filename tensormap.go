package weft

import (
	"go.uber.org/zap"
)

// tensorMapEntry records one producer of device memory: a snapshot of
// the output descriptor and the id of the task that produced it. Entries
// are threaded through two intrusive doubly-linked index lists: the hash
// bucket chain (lookup) and the producing task's chain (batched removal
// on retirement).
type tensorMapEntry struct {
	tensor         Tensor
	producerTaskID int32
	withAlloc      bool
	inBucket       bool
	nextInBucket   int32
	prevInBucket   int32
	nextInTask     int32
	prevInTask     int32
}

// LookupResult pairs a matching producer entry with its overlap class.
type LookupResult struct {
	ProducerTaskID int32
	Status         OverlapStatus
	WithAlloc      bool
}

// TensorMap is a fixed-capacity hash index from buffer base address to
// recent producer entries. Storage is a ring-buffer entry pool: the head
// rotates forward on every insert, and a reused slot must have been
// invalidated first — lazily by chain truncation during lookup, or
// explicitly by cleanup when its producer retires.
//
// Validity is lazy: an entry is valid iff its producer task has not yet
// retired (producerTaskID >= lastTaskAlive). Because producers insert in
// ascending task order at bucket heads, every bucket chain holds strictly
// decreasing producer ids, and the first stale entry found during a walk
// proves the rest of the chain stale too.
type TensorMap struct {
	buckets       []int32
	pool          []tensorMapEntry
	poolHead      int32
	taskEntryHead []int32
	windowMask    int32

	lastTaskAlive int32
	lastCleanup   int32

	// header supplies the executor-published retirement frontier when an
	// insert lands on a slot that is still in a bucket.
	header *SharedMemoryHeader
}

// NewTensorMap builds an index with numBuckets buckets (power of two)
// over a pool of poolSize entries, tracking producers for a task window
// of windowCap slots.
func NewTensorMap(numBuckets, poolSize, windowCap int, header *SharedMemoryHeader) *TensorMap {
	assertf(numBuckets > 0 && numBuckets&(numBuckets-1) == 0,
		"bucket count %d not a power of two", numBuckets)
	assertf(windowCap > 0 && windowCap&(windowCap-1) == 0,
		"window capacity %d not a power of two", windowCap)
	assertf(poolSize > 0, "entry pool must be non-empty")

	m := &TensorMap{
		buckets:       make([]int32, numBuckets),
		pool:          make([]tensorMapEntry, poolSize),
		taskEntryHead: make([]int32, windowCap),
		windowMask:    int32(windowCap - 1),
		header:        header,
	}
	for i := range m.buckets {
		m.buckets[i] = nilOffset
	}
	for i := range m.pool {
		m.pool[i].producerTaskID = -1
		m.pool[i].nextInBucket = nilOffset
		m.pool[i].prevInBucket = nilOffset
		m.pool[i].nextInTask = nilOffset
		m.pool[i].prevInTask = nilOffset
	}
	for i := range m.taskEntryHead {
		m.taskEntryHead[i] = nilOffset
	}
	return m
}

// hash selects the bucket for a descriptor. Only the base address feeds
// the hash: every region over the same buffer must land in the same
// bucket or overlapping producers could never be found. High bits are
// folded down because device addresses share aligned low bits.
func (m *TensorMap) hash(t *Tensor) uint32 {
	key := t.Buffer.Addr
	key ^= key >> 16
	key ^= key >> 32
	return uint32(key) & uint32(len(m.buckets)-1)
}

func (m *TensorMap) entryValid(e *tensorMapEntry) bool {
	return e.producerTaskID >= m.lastTaskAlive
}

// SyncValidity raises the retirement frontier. Entries whose producer
// retired before it become stale immediately; their physical unlinking
// happens lazily or through CleanupRetired.
func (m *TensorMap) SyncValidity(lastTaskAlive int32) {
	m.lastTaskAlive = lastTaskAlive
}

// Lookup walks the reader's bucket and returns every valid producer
// whose descriptor overlaps the reader, with its overlap class.
//
// A stale entry encountered mid-walk truncates the chain: all entries
// past it were inserted earlier, so they are stale as well. The tail is
// unlinked and marked out-of-bucket so the ring allocator can reuse it.
func (m *TensorMap) Lookup(t *Tensor) []LookupResult {
	bucket := m.hash(t)
	offset := m.buckets[bucket]
	prev := nilOffset

	var results []LookupResult
	for offset != nilOffset {
		entry := &m.pool[offset]

		if !m.entryValid(entry) {
			if prev == nilOffset {
				m.buckets[bucket] = nilOffset
			} else {
				m.pool[prev].nextInBucket = nilOffset
			}
			for offset != nilOffset {
				stale := &m.pool[offset]
				next := stale.nextInBucket
				stale.inBucket = false
				stale.nextInBucket = nilOffset
				stale.prevInBucket = nilOffset
				offset = next
			}
			return results
		}

		if status := t.IsOverlap(&entry.tensor); status != NoOverlap {
			results = append(results, LookupResult{
				ProducerTaskID: entry.producerTaskID,
				Status:         status,
				WithAlloc:      entry.withAlloc,
			})
		}

		prev = offset
		offset = entry.nextInBucket
	}
	return results
}

// Insert records t as the output of producerTaskID. The entry is
// prepended to its bucket (preserving descending producer order) and to
// the producer's task chain. When the ring head lands on a slot that is
// still in a bucket the orchestrator side synchronizes against the
// executor's retirement frontier and retries; a slot that never frees up
// within the watchdog bound is fatal.
func (m *TensorMap) Insert(t *Tensor, producerTaskID int32, withAlloc bool) {
	entryOffset := m.poolHead
	entry := &m.pool[entryOffset]
	m.poolHead = (m.poolHead + 1) % int32(len(m.pool))

	waits := 0
	for entry.inBucket {
		m.syncWithHeader()
		if !m.entryValid(entry) {
			// The slot's producer has retired; unlink it here rather
			// than waiting for a periodic cleanup pass.
			m.removeFromBucket(entry)
			m.removeFromTask(entry)
			break
		}
		waits++
		assertf(waits <= WatchdogSpinLimit,
			"tensormap pool slot %d still live after %d sync attempts", entryOffset, waits)
	}

	entry.tensor = *t
	entry.producerTaskID = producerTaskID
	entry.withAlloc = withAlloc

	bucket := m.hash(t)
	entry.nextInBucket = m.buckets[bucket]
	entry.prevInBucket = nilOffset
	if entry.nextInBucket != nilOffset {
		m.pool[entry.nextInBucket].prevInBucket = entryOffset
	}
	m.buckets[bucket] = entryOffset
	entry.inBucket = true

	taskSlot := producerTaskID & m.windowMask
	entry.nextInTask = m.taskEntryHead[taskSlot]
	entry.prevInTask = nilOffset
	if entry.nextInTask != nilOffset {
		m.pool[entry.nextInTask].prevInTask = entryOffset
	}
	m.taskEntryHead[taskSlot] = entryOffset
}

// removeFromBucket unlinks an entry from its bucket chain in O(1).
func (m *TensorMap) removeFromBucket(entry *tensorMapEntry) {
	if !entry.inBucket {
		return
	}
	if entry.prevInBucket == nilOffset {
		bucket := m.hash(&entry.tensor)
		m.buckets[bucket] = entry.nextInBucket
	} else {
		m.pool[entry.prevInBucket].nextInBucket = entry.nextInBucket
	}
	if entry.nextInBucket != nilOffset {
		m.pool[entry.nextInBucket].prevInBucket = entry.prevInBucket
	}
	entry.inBucket = false
	entry.nextInBucket = nilOffset
	entry.prevInBucket = nilOffset
}

// removeFromTask unlinks an entry from its producer's task chain in O(1).
func (m *TensorMap) removeFromTask(entry *tensorMapEntry) {
	if entry.prevInTask == nilOffset {
		// The entry heads its task chain unless a retirement pass
		// already dropped the chain wholesale.
		taskSlot := entry.producerTaskID & m.windowMask
		if head := m.taskEntryHead[taskSlot]; head != nilOffset && &m.pool[head] == entry {
			m.taskEntryHead[taskSlot] = entry.nextInTask
		}
	} else {
		m.pool[entry.prevInTask].nextInTask = entry.nextInTask
	}
	if entry.nextInTask != nilOffset {
		m.pool[entry.nextInTask].prevInTask = entry.prevInTask
	}
	entry.nextInTask = nilOffset
	entry.prevInTask = nilOffset
}

// CleanupRetired unlinks every entry produced by tasks in [oldFrontier,
// newFrontier) from the bucket chains and clears their task chains. An
// entry is only unlinked if it still records the retiring task: the pool
// slot may already have rotated to a newer producer.
func (m *TensorMap) CleanupRetired(oldFrontier, newFrontier int32) {
	for taskID := oldFrontier; taskID < newFrontier; taskID++ {
		taskSlot := taskID & m.windowMask
		offset := m.taskEntryHead[taskSlot]
		for offset != nilOffset {
			entry := &m.pool[offset]
			next := entry.nextInTask
			if entry.producerTaskID == taskID {
				m.removeFromBucket(entry)
				entry.nextInTask = nilOffset
				entry.prevInTask = nilOffset
			}
			offset = next
		}
		m.taskEntryHead[taskSlot] = nilOffset
	}
}

// syncWithHeader pulls the executor's retirement frontier into the map
// and periodically runs an explicit cleanup pass so long bucket chains
// do not accumulate stale tails.
func (m *TensorMap) syncWithHeader() {
	assertf(m.header != nil, "tensormap has no shared-memory header")
	frontier := m.header.LastTaskAlive.Load()
	m.SyncValidity(frontier)
	if frontier-m.lastCleanup >= TensorMapCleanupInterval {
		m.CleanupRetired(m.lastCleanup, frontier)
		m.lastCleanup = frontier
	}
}

// MapStats summarizes index occupancy for diagnostics.
type MapStats struct {
	PoolSize     int
	PoolHead     int32
	NumBuckets   int
	ValidEntries int
	StaleEntries int
	EmptyBuckets int
	MaxChainLen  int
	AvgChainLen  float64
}

// Stats scans the pool and buckets. Intended for the device-log channel,
// not for hot paths.
func (m *TensorMap) Stats() MapStats {
	st := MapStats{
		PoolSize:   len(m.pool),
		PoolHead:   m.poolHead,
		NumBuckets: len(m.buckets),
	}
	for i := range m.pool {
		if m.pool[i].inBucket {
			if m.entryValid(&m.pool[i]) {
				st.ValidEntries++
			} else {
				st.StaleEntries++
			}
		}
	}
	var totalChain, nonEmpty int
	for b := range m.buckets {
		chain := 0
		for off := m.buckets[b]; off != nilOffset; off = m.pool[off].nextInBucket {
			chain++
		}
		if chain == 0 {
			st.EmptyBuckets++
			continue
		}
		nonEmpty++
		totalChain += chain
		if chain > st.MaxChainLen {
			st.MaxChainLen = chain
		}
	}
	if nonEmpty > 0 {
		st.AvgChainLen = float64(totalChain) / float64(nonEmpty)
	}
	return st
}

// LogStats reports index occupancy through the device log.
func (m *TensorMap) LogStats() {
	st := m.Stats()
	devlog().Info("tensormap stats",
		zap.Int("pool_size", st.PoolSize),
		zap.Int32("pool_head", st.PoolHead),
		zap.Int("valid", st.ValidEntries),
		zap.Int("stale", st.StaleEntries),
		zap.Int("empty_buckets", st.EmptyBuckets),
		zap.Int("max_chain", st.MaxChainLen),
		zap.Float64("avg_chain", st.AvgChainLen),
		zap.Int32("last_task_alive", m.lastTaskAlive))
}

// validCount returns the number of valid in-bucket entries.
func (m *TensorMap) validCount() int {
	count := 0
	for i := range m.pool {
		if m.pool[i].inBucket && m.entryValid(&m.pool[i]) {
			count++
		}
	}
	return count
}
