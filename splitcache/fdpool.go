package splitcache

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	lru "github.com/hashicorp/golang-lru/v2"

	"gitlab.com/NebulousLabs/errors"

	"github.com/quiverstack/splitcache/internal/persist"
	"github.com/quiverstack/splitcache/splitid"
)

// maxOpenFileHandles bounds how many *os.File descriptors the pool may hold
// open simultaneously, independent of how many FileHandle wrappers the
// cache is tracking. This is the hard ceiling that protects the process
// from exhausting its file-descriptor ulimit; maxCachedFileHandles below is
// a softer, much smaller working-set size.
const maxOpenFileHandles = 200

// maxCachedFileHandles bounds the number of recently-used file handles kept
// open speculatively, ready to be handed out again without a fresh open(2)
// call.
const maxCachedFileHandles = 100

// FileHandle is a reference-counted wrapper around an open split file. The
// pool retains one reference on behalf of its own cache entry; every call
// to TryGetOrOpenFD that returns an existing handle takes out another. The
// caller must call Close exactly once per handle it receives.
type FileHandle struct {
	file    *os.File
	refs    atomic.Int32
	release func()
}

// Close drops the caller's reference. When the last reference (including
// the pool's own) goes away, the underlying descriptor is closed and its
// semaphore permit returned.
func (h *FileHandle) Close() error {
	if h.refs.Add(-1) > 0 {
		return nil
	}
	h.release()
	return h.file.Close()
}

// File exposes the underlying *os.File for reading. It remains valid only
// as long as the caller has not yet called Close.
func (h *FileHandle) File() *os.File {
	return h.file
}

// fdPool bounds the number of concurrently open split file descriptors and
// caches recently-used ones so that repeated reads of a hot split don't pay
// for a fresh open(2) every time. It mirrors the teacher's ref-counted
// SiaFileSet entries (one map entry per id, explicit Close-to-release
// lifecycle) adapted to a bounded LRU instead of an unbounded map, since the
// split cache must not hold more descriptors open than the underlying
// process ulimit allows.
type fdPool struct {
	rootPath string
	sem      *semaphore.Weighted
	cache    *lru.Cache[splitid.ID, *FileHandle]
	log      *persist.Logger
}

func newFDPool(rootPath string, log *persist.Logger) *fdPool {
	cache, err := lru.NewWithEvict(maxCachedFileHandles, func(id splitid.ID, h *FileHandle) {
		h.Close()
	})
	if err != nil {
		// Only returns an error for a non-positive size, which
		// maxCachedFileHandles never is.
		log.Critical("failed to construct file handle cache", err)
	}
	return &fdPool{
		rootPath: rootPath,
		sem:      semaphore.NewWeighted(maxOpenFileHandles),
		cache:    cache,
		log:      log,
	}
}

// drop evicts id from the cache without regard to its refcount observed by
// callers outside the pool; it is called when a split transitions out of
// OnDisk, since the pool's invariant is that it only ever caches on-disk
// splits.
func (p *fdPool) drop(id splitid.ID) {
	p.cache.Remove(id)
}

// get returns a cached, already-open handle for id, taking out an extra
// reference on the caller's behalf, or false if nothing is cached.
func (p *fdPool) get(id splitid.ID) (*FileHandle, bool) {
	h, ok := p.cache.Get(id)
	if !ok {
		return nil, false
	}
	h.refs.Add(1)
	return h, true
}

// open acquires a semaphore permit and opens id's split file under
// rootPath, inserting it into the cache with the pool's own reference plus
// one for the immediate caller.
func (p *fdPool) open(ctx context.Context, id splitid.ID) (*FileHandle, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.AddContext(err, "acquiring file descriptor permit")
	}

	path := filepath.Join(p.rootPath, splitid.Filename(id))
	f, err := os.Open(path)
	if err != nil {
		p.sem.Release(1)
		return nil, errors.AddContext(err, "opening split file")
	}

	h := &FileHandle{file: f}
	h.refs.Store(2)
	h.release = func() { p.sem.Release(1) }

	if _, alreadyPresent, _ := p.cache.PeekOrAdd(id, h); alreadyPresent {
		// Lost a race with a concurrent opener: this handle was never
		// adopted by the cache, so neither the pool's reference nor the
		// caller's was ever real. Collapse both away and hand back the
		// winning copy instead.
		h.refs.Store(1)
		h.Close()
		cached, _ := p.get(id)
		return cached, nil
	}
	return h, nil
}

// TryGetOrOpenFD returns an open handle for id's on-disk split file,
// reusing a cached descriptor when one is available and opening a fresh one
// otherwise. It returns false if id is not currently OnDisk. Every call --
// hit or miss -- goes through Touch first, which both verifies the split's
// status and refreshes its last-accessed time to now; without this, a split
// read repeatedly through this method and served from the FD LRU would
// never look recently accessed to the eviction policy, and a read against
// an unknown id would not register it as a fresh candidate. The file-system
// call happens without the table's mutex held: Touch runs under its own
// lock, and only the (potentially blocking) open happens outside it. If the
// file cannot be opened while the split is still OnDisk (and ctx has not
// been cancelled), the split is removed from the table.
func (t *SplitTable) TryGetOrOpenFD(ctx context.Context, id splitid.ID, storageURI string) (*FileHandle, bool) {
	status := t.Touch(id, storageURI)
	if _, isOnDisk := status.(OnDiskStatus); !isOnDisk {
		return nil, false
	}
	if h, cached := t.fd.get(id); cached {
		return h, true
	}

	h, err := t.fd.open(ctx, id)
	if err != nil {
		t.log.Debugln("failed to open split file", id, err)
		if ctx.Err() == nil {
			t.mu.Lock()
			if info, known := t.statusIndex[id]; known {
				if _, stillOnDisk := info.status.(OnDiskStatus); stillOnDisk {
					t.remove(id)
				}
			}
			t.mu.Unlock()
		}
		return nil, false
	}
	t.metrics.OpenFileHandles.Set(float64(t.fd.cache.Len()))
	return h, true
}
