package splitcache

import (
	"os"
	"strings"

	"gitlab.com/NebulousLabs/errors"

	"github.com/quiverstack/splitcache/splitid"
)

// splitFileExt is the suffix ScanCacheDirectory expects on every split file
// it recognizes; anything else in rootPath is ignored.
const splitFileExt = ".split"

// ScanCacheDirectory walks rootPath and returns the size, in bytes, of every
// recognizable split file it finds, keyed by the split id encoded in its
// filename. It is meant to be called once at process startup, before
// constructing a SplitTable, so the table can be seeded with New's
// existingOnDisk parameter instead of starting out believing the cache
// directory is empty.
//
// A file whose name cannot be parsed as a split id is skipped rather than
// treated as an error, since an operator may have dropped unrelated files
// into the cache directory.
func ScanCacheDirectory(rootPath string) (map[splitid.ID]uint64, error) {
	entries, err := os.ReadDir(rootPath)
	if os.IsNotExist(err) {
		return map[splitid.ID]uint64{}, nil
	}
	if err != nil {
		return nil, errors.AddContext(err, "reading split cache directory")
	}

	found := make(map[splitid.ID]uint64, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, splitFileExt) {
			continue
		}
		id, err := splitid.Parse(strings.TrimSuffix(name, splitFileExt))
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, errors.AddContext(err, "statting split file "+name)
		}
		found[id] = uint64(info.Size())
	}

	return found, nil
}
