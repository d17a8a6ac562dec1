package raft

import (
	"encoding/gob"
	"fmt"
	"os"
	"sync"
)

func init() {
	gob.Register(ApplicationCommand{})
	gob.Register(MembershipChange{})
}

// fileRecord is the on-disk representation persisted by FileStorage. It
// is rewritten in full on every mutation: this module's log sizes
// (election-only, no snapshotting wired up yet) make whole-file rewrite
// the simplest correct durable strategy, not an optimized one.
type fileRecord struct {
	CurrentTerm   Term
	Votes         map[Term]ServerId
	Entries       []LogEntry
	SnapshotIndex LogIndex
	SnapshotTerm  Term
}

// FileStorage is a durable, gob-encoded Storage backed by a single file.
// It demonstrates the "writes are durable before the call returns"
// contract (spec §4.2, §7) with a real fsync, for use outside of the
// simulator. cmd/simdrive runs on MemoryStorage and does not use it.
type FileStorage struct {
	mu   sync.Mutex
	path string
	rec  fileRecord
}

// OpenFileStorage loads path if it exists, or creates a fresh store
// there. A load failure or an unwritable path is surfaced immediately, per
// spec §4.2 "fails closed".
func OpenFileStorage(path string) (*FileStorage, error) {
	fs := &FileStorage{path: path, rec: fileRecord{Votes: map[Term]ServerId{}}}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return fs, fs.persist()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorageFailure, path, err)
	}
	defer f.Close()

	dec := gob.NewDecoder(f)
	if err := dec.Decode(&fs.rec); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrStorageFailure, path, err)
	}
	if fs.rec.Votes == nil {
		fs.rec.Votes = map[Term]ServerId{}
	}
	return fs, nil
}

// persist rewrites the file atomically (write to a temp file, fsync,
// rename) so a crash mid-write never leaves a half-written file
// observable (spec §5: "no half-written persistent state may be
// observable after cancellation").
func (fs *FileStorage) persist() error {
	tmp := fs.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrStorageFailure, tmp, err)
	}

	enc := gob.NewEncoder(f)
	if err := enc.Encode(fs.rec); err != nil {
		f.Close()
		return fmt.Errorf("%w: encode: %v", ErrStorageFailure, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: fsync: %v", ErrStorageFailure, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrStorageFailure, err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("%w: rename: %v", ErrStorageFailure, err)
	}
	return nil
}

func (fs *FileStorage) GetCurrentTerm() (Term, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.rec.CurrentTerm, nil
}

func (fs *FileStorage) SetCurrentTerm(t Term) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	old := fs.rec.CurrentTerm
	fs.rec.CurrentTerm = t
	if err := fs.persist(); err != nil {
		fs.rec.CurrentTerm = old
		return err
	}
	return nil
}

func (fs *FileStorage) GetVote(t Term) (ServerId, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	candidate, ok := fs.rec.Votes[t]
	return candidate, ok, nil
}

func (fs *FileStorage) SetVote(t Term, candidate ServerId) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	old, had := fs.rec.Votes[t]
	fs.rec.Votes[t] = candidate
	if err := fs.persist(); err != nil {
		if had {
			fs.rec.Votes[t] = old
		} else {
			delete(fs.rec.Votes, t)
		}
		return err
	}
	return nil
}

func (fs *FileStorage) AppendEntry(e LogEntry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.rec.Entries = append(fs.rec.Entries, e)
	if err := fs.persist(); err != nil {
		fs.rec.Entries = fs.rec.Entries[:len(fs.rec.Entries)-1]
		return err
	}
	return nil
}

func (fs *FileStorage) indexToPos(index LogIndex) (int, bool) {
	if index <= fs.rec.SnapshotIndex {
		return 0, false
	}
	pos := int(index-fs.rec.SnapshotIndex) - 1
	if pos < 0 || pos >= len(fs.rec.Entries) {
		return 0, false
	}
	return pos, true
}

func (fs *FileStorage) TruncateFrom(index LogIndex) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	old := fs.rec.Entries
	if index <= fs.rec.SnapshotIndex {
		fs.rec.Entries = nil
	} else if pos, ok := fs.indexToPos(index); ok {
		fs.rec.Entries = fs.rec.Entries[:pos]
	} else {
		return nil
	}
	if err := fs.persist(); err != nil {
		fs.rec.Entries = old
		return err
	}
	return nil
}

func (fs *FileStorage) Entry(index LogIndex) (LogEntry, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	pos, ok := fs.indexToPos(index)
	if !ok {
		return LogEntry{}, false, nil
	}
	return fs.rec.Entries[pos], true, nil
}

func (fs *FileStorage) EntriesFrom(index LogIndex) ([]LogEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	pos, ok := fs.indexToPos(index)
	if !ok {
		if index <= fs.rec.SnapshotIndex {
			pos = 0
		} else {
			return nil, nil
		}
	}
	out := make([]LogEntry, len(fs.rec.Entries)-pos)
	copy(out, fs.rec.Entries[pos:])
	return out, nil
}

func (fs *FileStorage) LastLogIndex() (LogIndex, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.rec.Entries) == 0 {
		return fs.rec.SnapshotIndex, nil
	}
	return fs.rec.Entries[len(fs.rec.Entries)-1].Index, nil
}

func (fs *FileStorage) LastLogTerm() (Term, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.rec.Entries) == 0 {
		return fs.rec.SnapshotTerm, nil
	}
	return fs.rec.Entries[len(fs.rec.Entries)-1].Term, nil
}

func (fs *FileStorage) InstallSnapshot(lastIncludedIndex LogIndex, lastIncludedTerm Term, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	old := fs.rec
	fs.rec.SnapshotIndex = lastIncludedIndex
	fs.rec.SnapshotTerm = lastIncludedTerm
	fs.rec.Entries = nil
	if err := fs.persist(); err != nil {
		fs.rec = old
		return err
	}
	return nil
}

func (fs *FileStorage) LastSnapshotIndex() (LogIndex, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.rec.SnapshotIndex, nil
}
