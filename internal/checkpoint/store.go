package checkpoint

import (
	"bytes"
	"encoding/gob"
	"path/filepath"
	"sort"
	"sync"

	"github.com/peterbourgon/diskv"
	"github.com/pkg/errors"
)

// DiskStore keeps gob-encoded, gzip-compressed states on disk. A path is
// split into a directory, served by its own diskv instance, and a key.
type DiskStore struct {
	root   string
	mu     sync.Mutex
	stores map[string]*diskv.Diskv
}

// NewDiskStore resolves relative paths against root.
func NewDiskStore(root string) *DiskStore {
	return &DiskStore{root: root, stores: map[string]*diskv.Diskv{}}
}

func (s *DiskStore) at(dir string) *diskv.Diskv {
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.root, dir)
	}
	dir = filepath.Clean(dir)
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.stores[dir]
	if !ok {
		d = diskv.New(diskv.Options{
			BasePath:     dir,
			Transform:    func(string) []string { return []string{} },
			CacheSizeMax: 64 * 1024 * 1024,
			Compression:  diskv.NewGzipCompression(),
		})
		s.stores[dir] = d
	}
	return d
}

func split(path string) (string, string, error) {
	dir, key := filepath.Split(path)
	if key == "" {
		return "", "", errors.Errorf("checkpoint path %q has no file name", path)
	}
	return dir, key, nil
}

// Save writes s at path.
func (s *DiskStore) Save(path string, st *State) error {
	dir, key, err := split(path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return errors.Wrapf(err, "encode checkpoint %s", path)
	}
	if err := s.at(dir).Write(key, buf.Bytes()); err != nil {
		return errors.Wrapf(err, "write checkpoint %s", path)
	}
	return nil
}

// Load reads the state stored at path.
func (s *DiskStore) Load(path string) (*State, error) {
	dir, key, err := split(path)
	if err != nil {
		return nil, err
	}
	b, err := s.at(dir).Read(key)
	if err != nil {
		return nil, errors.Wrapf(err, "read checkpoint %s", path)
	}
	var st State
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&st); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", path)
	}
	return &st, nil
}

// Keys lists checkpoint file names stored under dir.
func (s *DiskStore) Keys(dir string) ([]string, error) {
	var keys []string
	for k := range s.at(dir).Keys(nil) {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
