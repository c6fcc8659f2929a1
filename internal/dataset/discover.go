package dataset

import (
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/pkg/errors"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// DiscoverShards returns the shard TAR files beneath root, sorted.
func DiscoverShards(root string) ([]string, error) {
	var shards []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && shardRegexp.MatchString(d.Name()) {
			shards = append(shards, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "discover shards under %s", root)
	}
	sort.Strings(shards)
	return shards, nil
}

// DiscoverByRoot scans each root independently. A root without shards is an
// error since the sampler would never draw from it.
func DiscoverByRoot(roots []string) (map[string][]string, error) {
	result := make(map[string][]string, len(roots))
	for _, root := range roots {
		shards, err := DiscoverShards(root)
		if err != nil {
			return nil, err
		}
		if len(shards) == 0 {
			return nil, errors.Errorf("no shards under %s", root)
		}
		result[root] = shards
	}
	return result, nil
}
