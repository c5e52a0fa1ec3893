// Copyright 2025 The Soteria Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	backupPrefix = "backup_"
	backupSuffix = ".json"
)

// storage persists snapshots as backup_<iso8601>.json files in one
// directory.
type storage struct {
	dir string
}

func newStorage(dir string) (*storage, error) {
	if dir == "" {
		return nil, fmt.Errorf("recovery storage requires a directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}
	return &storage{dir: dir}, nil
}

// fileName derives the backup id for a creation time. Seconds precision is
// enough: snapshots are minutes apart.
func fileName(createdAt time.Time) string {
	return backupPrefix + createdAt.UTC().Format(time.RFC3339) + backupSuffix
}

// save writes the snapshot through a temp file so a crash mid-write never
// leaves a truncated backup behind.
func (s *storage) save(snap Snapshot, createdAt time.Time) (Info, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return Info{}, fmt.Errorf("encoding snapshot: %w", err)
	}

	name := fileName(createdAt)
	tmp, err := os.CreateTemp(s.dir, name+".tmp*")
	if err != nil {
		return Info{}, fmt.Errorf("creating snapshot file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Info{}, fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Info{}, fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return Info{}, fmt.Errorf("publishing snapshot: %w", err)
	}

	return Info{ID: name, CreatedAt: createdAt.UTC(), SizeBytes: int64(len(data))}, nil
}

// load reads one backup by id.
func (s *storage) load(id string) (Snapshot, error) {
	if !strings.HasPrefix(id, backupPrefix) || !strings.HasSuffix(id, backupSuffix) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.Base(id)))
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
		}
		return Snapshot{}, fmt.Errorf("reading backup %s: %w", id, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decoding backup %s: %w", id, err)
	}
	return snap, nil
}

// list returns the stored backups, newest first. Files whose names do not
// carry a parsable timestamp are ignored.
func (s *storage) list() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}

	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
		createdAt, err := time.Parse(time.RFC3339, stamp)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{ID: name, CreatedAt: createdAt, SizeBytes: info.Size()})
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID > infos[j].ID
		}
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

// prune deletes backups beyond the keep newest and reports how many went.
func (s *storage) prune(keep int) (int, error) {
	infos, err := s.list()
	if err != nil {
		return 0, err
	}
	if keep < 1 || len(infos) <= keep {
		return 0, nil
	}
	deleted := 0
	for _, info := range infos[keep:] {
		if err := os.Remove(filepath.Join(s.dir, info.ID)); err != nil {
			return deleted, fmt.Errorf("deleting backup %s: %w", info.ID, err)
		}
		deleted++
	}
	return deleted, nil
}
