// Package splitcache implements the split cache table: the in-memory
// bookkeeping engine that tracks which immutable index splits a searcher
// node has downloaded, which it is downloading, and which it merely knows
// about as candidates.
//
// The table couples a multi-queue data structure under a one-of-each
// invariant, an LRU-like eviction policy driven by access recency, liveness
// tracking of in-flight downloads so orphaned downloads can be reclaimed,
// and a bounded file-descriptor cache. The table does not download bytes or
// delete files itself; those are the caller's responsibility. The package's
// only file-system access is ScanCacheDirectory, which reads the cache
// directory for the caller at startup, and TryGetOrOpenFD, which opens split
// files for reading.
package splitcache

import (
	"sync"

	"github.com/google/btree"
	"gitlab.com/NebulousLabs/errors"

	"github.com/quiverstack/splitcache/config"
	"github.com/quiverstack/splitcache/internal/build"
	"github.com/quiverstack/splitcache/internal/persist"
	"github.com/quiverstack/splitcache/internal/token"
	"github.com/quiverstack/splitcache/metrics"
	"github.com/quiverstack/splitcache/splitid"
)

// maxNumCandidates bounds how many splits the table will track as
// candidates at once. Without this cap, a misbehaving or adversarial
// reporter could grow the table without limit.
const maxNumCandidates = 1000

// btreeDegree is an arbitrary B-tree branching factor; it only affects
// constant-factor performance, never correctness.
const btreeDegree = 32

// SplitTable is the in-memory, single-owner bookkeeping engine described in
// the package doc. All public methods except TryGetOrOpenFD are
// non-blocking and complete in O(log n) time on the number of tracked
// splits; TryGetOrOpenFD may block briefly acquiring a file-descriptor
// permit.
type SplitTable struct {
	mu sync.Mutex

	statusIndex map[splitid.ID]*splitInfo
	onDisk      *btree.BTreeG[SplitKey]
	downloading *btree.BTreeG[SplitKey]
	candidates  *btree.BTreeG[SplitKey]

	clock       monotonicClock
	limits      config.Limits
	onDiskBytes uint64

	rootPath string
	fd       *fdPool

	metrics *metrics.SplitCacheMetrics
	log     *persist.Logger
}

// New builds a SplitTable bounded by limits, rooted at rootPath on disk, and
// pre-populated with existingOnDisk -- normally the result of a directory
// scan performed by the caller at startup (see ScanCacheDirectory).
// Pre-existing entries are inserted with the coldest possible last-accessed
// timestamp, so they are evicted ahead of anything touched during this
// session.
func New(limits config.Limits, existingOnDisk map[splitid.ID]uint64, rootPath string, opts ...Option) (*SplitTable, error) {
	if err := limits.Validate(); err != nil {
		return nil, errors.AddContext(err, "invalid split cache limits")
	}

	t := &SplitTable{
		statusIndex: make(map[splitid.ID]*splitInfo),
		onDisk:      btree.NewG(btreeDegree, SplitKey.Less),
		downloading: btree.NewG(btreeDegree, SplitKey.Less),
		candidates:  btree.NewG(btreeDegree, SplitKey.Less),
		clock:       newMonotonicClock(),
		limits:      limits,
		rootPath:    rootPath,
	}
	for _, opt := range defaultOptions() {
		opt(t)
	}
	for _, opt := range opts {
		opt(t)
	}
	t.fd = newFDPool(rootPath, t.log)

	t.acknowledgeOnDisk(existingOnDisk)
	return t, nil
}

// acknowledgeOnDisk inserts every pre-existing split with last_accessed = 0,
// the coldest possible value.
func (t *SplitTable) acknowledgeOnDisk(existing map[splitid.ID]uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, numBytes := range existing {
		t.insert(&splitInfo{
			key:    SplitKey{LastAccessed: 0, SplitID: id},
			status: OnDiskStatus{NumBytes: numBytes},
		})
	}
}

// queueFor returns the ordered queue a status belongs in.
func (t *SplitTable) queueFor(status Status) *btree.BTreeG[SplitKey] {
	switch status.(type) {
	case CandidateStatus:
		return t.candidates
	case DownloadingStatus:
		return t.downloading
	case OnDiskStatus:
		return t.onDisk
	default:
		t.log.Critical("unknown split status type", status)
		return nil
	}
}

// insert adds a brand-new splitInfo to the index and its queue. It must not
// already be present: every caller either removes the id first (mutate,
// StartDownload, FindDownloadOpportunity, makeRoom's rollback) or inserts an
// id the table has not seen (acknowledgeOnDisk). This is the single place
// the exactly-one-queue invariant is re-established after a mutation.
func (t *SplitTable) insert(info *splitInfo) {
	queue := t.queueFor(info.status)
	if _, alreadyPresent := queue.ReplaceOrInsert(info.key); alreadyPresent {
		t.log.Critical("split key already present in destination queue", info.key)
	}
	if onDisk, ok := info.status.(OnDiskStatus); ok {
		t.onDiskBytes += onDisk.NumBytes
		t.metrics.InCacheCount.Inc()
		t.metrics.InCacheNumBytes.Add(float64(onDisk.NumBytes))
	}
	if _, exists := t.statusIndex[info.key.SplitID]; exists {
		t.log.Critical("split id already present in status index", info.key.SplitID)
	}
	t.statusIndex[info.key.SplitID] = info

	if _, ok := info.status.(CandidateStatus); ok {
		t.truncateCandidates()
	}
	t.gcDownloadingIfNecessary()
	t.metrics.Candidates.Set(float64(t.candidates.Len()))
	t.metrics.Downloading.Set(float64(t.downloading.Len()))
}

// remove deletes a split from the index and its queue, if present, and
// returns its prior record. It does not touch the FD pool: mutate uses
// remove to pull a split out before reinserting it under a (possibly
// unchanged) status, and dropping the FD cache entry on every such
// round-trip would defeat the cache for the common case of a Touch or
// byte-count update on a split that stays OnDisk. makeRoom drops an evicted
// split's FD entry itself once the eviction is final; candidate truncation
// and abandoned-download GC do not touch the FD pool.
func (t *SplitTable) remove(id splitid.ID) *splitInfo {
	info, ok := t.statusIndex[id]
	if !ok {
		return nil
	}
	delete(t.statusIndex, id)

	queue := t.queueFor(info.status)
	if _, wasPresent := queue.Delete(info.key); !wasPresent {
		t.log.Critical("split key missing from its queue", info.key)
	}
	if onDisk, ok := info.status.(OnDiskStatus); ok {
		t.onDiskBytes -= onDisk.NumBytes
		t.metrics.InCacheCount.Dec()
		t.metrics.InCacheNumBytes.Sub(float64(onDisk.NumBytes))
	}
	t.metrics.Candidates.Set(float64(t.candidates.Len()))
	t.metrics.Downloading.Set(float64(t.downloading.Len()))
	return info
}

// mutate is the sole primitive allowed to change a split's status: remove
// the existing entry (or nil if unknown), call f, and insert the result.
// Report, Touch and RegisterAsDownloaded are built on top of this;
// StartDownload and FindDownloadOpportunity perform the same
// remove-then-insert sequence directly. In every case at most one id changes
// per call, and the table is never observed mid-mutation by another
// operation because mu is held for the duration.
func (t *SplitTable) mutate(id splitid.ID, f func(prev *splitInfo) *splitInfo) Status {
	prev := t.remove(id)
	next := f(prev)
	t.insert(next)
	return next.status
}

// truncateCandidates evicts the oldest (smallest-key) candidates until the
// candidate cap is satisfied.
func (t *SplitTable) truncateCandidates() {
	for t.candidates.Len() > maxNumCandidates {
		worst, ok := t.candidates.Min()
		if !ok {
			return
		}
		t.remove(worst.SplitID)
	}
}

// gcDownloadingIfNecessary scans the downloading queue once, removing any
// entry whose liveness token is no longer alive, but only once the queue has
// grown well past the expected steady-state concurrency. This is a
// best-effort reclaim of downloader goroutines that died without calling
// RegisterAsDownloaded; the wide threshold ensures a legitimately slow
// download is never preempted by this sweep.
func (t *SplitTable) gcDownloadingIfNecessary() {
	if t.downloading.Len() <= t.limits.DownloadingGCThreshold() {
		return
	}
	var dead []splitid.ID
	t.downloading.Ascend(func(key SplitKey) bool {
		info, ok := t.statusIndex[key.SplitID]
		if !ok {
			return true
		}
		downloading, ok := info.status.(DownloadingStatus)
		if ok && !downloading.Alive.Alive() {
			dead = append(dead, key.SplitID)
		}
		return true
	})
	for _, id := range dead {
		t.remove(id)
	}
}

// Report announces a candidate split discovered upstream. If the split is
// already known in any state, this is a no-op -- in particular, reporting a
// split that is currently Downloading must never reset its liveness. A
// freshly reported split is backdated by newlyReportedOffset so that it
// does not outrank splits a reader has genuinely touched recently.
func (t *SplitTable) Report(id splitid.ID, storageURI string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mutate(id, func(prev *splitInfo) *splitInfo {
		if prev != nil {
			return prev
		}
		return &splitInfo{
			key: SplitKey{LastAccessed: t.clock.backdated(newlyReportedOffset), SplitID: id},
			status: CandidateStatus{
				StorageURI: storageURI,
				Living:     token.NewLiveness(),
			},
		}
	})
}

// Touch records a read attempt against id, refreshing its last-accessed
// timestamp to now. If the split is unknown, it is inserted as a fresh
// Candidate dated to now -- the access both registers interest in the split
// and dates it to the present, unlike Report, which backdates a new
// candidate by newlyReportedOffset. Touch returns the split's
// status after the update so the caller can decide whether to serve it.
func (t *SplitTable) Touch(id splitid.ID, storageURI string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	timestamp := t.clock.now()
	return t.mutate(id, func(prev *splitInfo) *splitInfo {
		if prev != nil {
			prev.key.LastAccessed = timestamp
			return prev
		}
		return &splitInfo{
			key: SplitKey{LastAccessed: timestamp, SplitID: id},
			status: CandidateStatus{
				StorageURI: storageURI,
				Living:     token.NewLiveness(),
			},
		}
	})
}

// forceStatus unconditionally transitions id to status, inserting a fresh
// entry dated to now if the split was previously unknown. This is the Go
// unification of the original implementation's change_split_status, whose
// Rust fallback timestamp used a raw Instant instead of the microsecond
// origin used everywhere else; here there is only ever one timestamp
// source, the table's own monotonicClock.
func (t *SplitTable) forceStatus(id splitid.ID, status Status) {
	timestamp := t.clock.now()
	t.mutate(id, func(prev *splitInfo) *splitInfo {
		if prev != nil {
			prev.status = status
			return prev
		}
		return &splitInfo{key: SplitKey{LastAccessed: timestamp, SplitID: id}, status: status}
	})
}

// RegisterAsDownloaded force-transitions id to OnDisk{numBytes}, regardless
// of its prior state. If the split was unknown to the table, it is inserted
// fresh.
func (t *SplitTable) RegisterAsDownloaded(id splitid.ID, numBytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forceStatus(id, OnDiskStatus{NumBytes: numBytes})
}

// StartDownload atomically promotes id from Candidate to Downloading. It
// succeeds only if the split's current status is Candidate; otherwise the
// table is left unchanged and ok is false. On success, the table retains a
// Weak observer of the returned CandidateSplit's Living token -- the caller
// must Release that token (typically via defer) once the download finishes,
// fails, or is cancelled, so the table can detect abandonment.
func (t *SplitTable) StartDownload(id splitid.ID) (split CandidateSplit, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.remove(id)
	if prev == nil {
		return CandidateSplit{}, false
	}
	candidate, isCandidate := prev.status.(CandidateStatus)
	if !isCandidate {
		t.insert(prev)
		return CandidateSplit{}, false
	}
	t.insert(&splitInfo{
		key:    prev.key,
		status: DownloadingStatus{Alive: candidate.Living.Weaken()},
	})
	return CandidateSplit{
		SplitID:    id,
		StorageURI: candidate.StorageURI,
		Living:     candidate.Living,
	}, true
}

// bestCandidate returns the candidate with the largest key -- the
// most-recently touched one -- or false if there are no candidates.
func (t *SplitTable) bestCandidate() (SplitKey, bool) {
	return t.candidates.Max()
}

// isOutOfLimits reports whether the cache currently violates either the
// split-count or byte-size bound. The empty cache is trivially in-limits.
func (t *SplitTable) isOutOfLimits() bool {
	if t.onDisk.Len() == 0 {
		return false
	}
	if uint64(t.onDisk.Len()+t.downloading.Len()) > uint64(t.limits.MaxNumSplits) {
		return true
	}
	if t.onDiskBytes > t.limits.MaxNumBytes.Bytes() {
		return true
	}
	return false
}

// makeRoom evicts OnDisk splits, coldest first, until the cache is within
// limits. If boundSet is true, eviction refuses to touch any OnDisk split
// whose last-accessed timestamp exceeds bound -- i.e. it will never evict
// something warmer than the candidate it's trying to make room for. If
// limits still can't be satisfied (either because of the warmth refusal or
// because the cache is simply too small), makeRoom rolls back every
// eviction it collected and returns ok = false with the table unchanged.
// Only once an eviction is final (ok = true) are the evicted splits' FD
// cache entries dropped; a rolled-back eviction leaves them untouched.
func (t *SplitTable) makeRoom(bound Timestamp, boundSet bool) (evicted []splitid.ID, ok bool) {
	var collected []*splitInfo
	for t.isOutOfLimits() {
		coldest, hasOnDisk := t.onDisk.Min()
		if !hasOnDisk {
			break
		}
		if boundSet && coldest.LastAccessed > bound {
			break
		}
		collected = append(collected, t.remove(coldest.SplitID))
	}

	if t.isOutOfLimits() {
		for _, info := range collected {
			t.insert(info)
		}
		return nil, false
	}

	ids := make([]splitid.ID, len(collected))
	for i, info := range collected {
		ids[i] = info.key.SplitID
		t.fd.drop(info.key.SplitID)
	}
	return ids, true
}

// FindDownloadOpportunity is the decision point tying the whole eviction and
// admission policy together: it picks the best (most-recently touched)
// candidate, evicts whatever coldest on-disk splits are needed to make room
// for it without ever displacing something warmer, and -- only if that
// succeeds -- promotes the candidate to Downloading. The table never
// evicts a warmer split to admit a colder one, which keeps the cache
// approximately monotone in recency-weighted value and prevents thrash
// under adversarial reporters.
func (t *SplitTable) FindDownloadOpportunity() (DownloadOpportunity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	best, ok := t.bestCandidate()
	if !ok {
		return DownloadOpportunity{}, false
	}
	evicted, ok := t.makeRoom(best.LastAccessed, true)
	if !ok {
		return DownloadOpportunity{}, false
	}

	prev := t.remove(best.SplitID)
	if prev == nil {
		build.Critical("best candidate vanished mid-transition", best.SplitID)
		return DownloadOpportunity{}, false
	}
	candidate, isCandidate := prev.status.(CandidateStatus)
	if !isCandidate {
		t.insert(prev)
		return DownloadOpportunity{}, false
	}
	t.insert(&splitInfo{
		key:    prev.key,
		status: DownloadingStatus{Alive: candidate.Living.Weaken()},
	})

	return DownloadOpportunity{
		SplitsToDelete: evicted,
		SplitToDownload: CandidateSplit{
			SplitID:    best.SplitID,
			StorageURI: candidate.StorageURI,
			Living:     candidate.Living,
		},
	}, true
}

// NumOnDiskBytes returns the current sum of OnDisk split sizes. Exposed
// primarily for tests and metrics scraping.
func (t *SplitTable) NumOnDiskBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onDiskBytes
}

// NumCandidates returns the current number of tracked candidates.
func (t *SplitTable) NumCandidates() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.candidates.Len()
}
