// Snapshot persistence (§5, §6): the fork database is written to a
// single file only at controller stop and read back only at controller
// start - never interleaved with live Add/AdvanceRoot traffic, so this
// file never has to reason about concurrent mutation.
//
// Carries forward the AntelopeIO/spring fork_database_header's
// magic-number/version scheme (original_source/libraries/chain/fork_database.cpp)
// rather than inventing a new one: version 2 is permanently rejected (the
// header left a gap there when the wire format changed incompatibly
// upstream) and version 3 is "savanna". This implementation is
// Savanna-only - there is no legacy block-state format to round-trip -
// so Save always writes an invalid legacy section, and a valid savanna
// section when the database has a root (an unrooted database is saved
// with in_use=legacy and no valid section); Load accepts a file with only a legacy section present (by
// producing an empty, unrooted database) but refuses one claiming
// version 2.
package forkdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/savanna/finality/pkg/blockstate"
	"github.com/savanna/finality/pkg/digest"
)

// ErrCorruptSnapshot is returned by LoadSnapshot when the file's framing
// cannot be parsed (short read, bad varint, truncated section) - the
// fork_database_exception of §7's error table.
var ErrCorruptSnapshot = fmt.Errorf("forkdb: corrupt snapshot")

// ErrUnsupportedSnapshotVersion is returned for a version the format
// permanently rejects (version 2) or does not recognize.
var ErrUnsupportedSnapshotVersion = fmt.Errorf("forkdb: unsupported snapshot version")

const (
	snapshotMagic   uint32 = 0x53564e41 // "SVNA"
	snapshotVersion uint32 = 3          // this implementation only ever writes "savanna"

	inUseLegacy  uint32 = 0
	inUseSavanna uint32 = 1
	inUseBoth    uint32 = 2
)

// SaveSnapshot writes db's current state to path per §6's on-disk format:
// magic, version, in_use, an absent legacy section, and a savanna
// section holding the root id, pending_savanna_lib_id, the full root
// block state, and every other in-memory block state in reverse
// best-branch order.
func (db *ForkDB) SaveSnapshot(path string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var buf bytes.Buffer
	var tmp [4]byte

	binary.LittleEndian.PutUint32(tmp[:], snapshotMagic)
	buf.Write(tmp[:])
	binary.LittleEndian.PutUint32(tmp[:], snapshotVersion)
	buf.Write(tmp[:])
	inUse := inUseSavanna
	if db.root == nil {
		inUse = inUseLegacy // no savanna section to claim
	}
	binary.LittleEndian.PutUint32(tmp[:], inUse)
	buf.Write(tmp[:])

	buf.WriteByte(0) // legacy_valid: this implementation never has a legacy section

	if db.root == nil {
		buf.WriteByte(0) // savanna_valid: nothing to save
	} else {
		buf.WriteByte(1)
		writeSection(&buf, db)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("forkdb: write snapshot %s: %w", path, err)
	}
	db.logger.Info("snapshot_save", "path", path, "blocks", len(db.byID))
	return nil
}

func writeSection(buf *bytes.Buffer, db *ForkDB) {
	buf.Write(db.root.ID[:])
	buf.Write(db.pendingSavannaLibID[:])

	rootBytes := db.root.Encode()
	writeFramed(buf, rootBytes)

	var countBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(countBuf[:], uint64(len(db.bestBranch)))
	buf.Write(countBuf[:n])

	for i := len(db.bestBranch) - 1; i >= 0; i-- {
		bs := db.byID[db.bestBranch[i]]
		writeFramed(buf, bs.Encode())
	}
}

func writeFramed(buf *bytes.Buffer, b []byte) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	buf.Write(lenBuf[:n])
	buf.Write(b)
}

// LoadSnapshot reads and consumes (deletes) the snapshot file at path,
// returning a ForkDB reconstructed from it. A missing or empty file is
// valid and produces an empty, unrooted database (callers must still
// call ResetRoot before using it). If logger is nil, a no-op logger is
// used.
func LoadSnapshot(path string, logger log.Logger) (*ForkDB, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(logger), nil
		}
		return nil, fmt.Errorf("forkdb: read snapshot %s: %w", path, err)
	}
	defer os.Remove(path)

	if len(data) == 0 {
		return New(logger), nil
	}

	db := New(logger)
	r := bytes.NewReader(data)

	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return nil, fmt.Errorf("%w: read magic: %v", ErrCorruptSnapshot, err)
	}
	if binary.LittleEndian.Uint32(tmp[:]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptSnapshot)
	}
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return nil, fmt.Errorf("%w: read version: %v", ErrCorruptSnapshot, err)
	}
	version := binary.LittleEndian.Uint32(tmp[:])
	if version == 2 {
		return nil, fmt.Errorf("%w: version 2", ErrUnsupportedSnapshotVersion)
	}
	if version != 1 && version != snapshotVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedSnapshotVersion, version)
	}
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return nil, fmt.Errorf("%w: read in_use: %v", ErrCorruptSnapshot, err)
	}
	inUse := binary.LittleEndian.Uint32(tmp[:])

	legacyValid, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: read legacy_valid: %v", ErrCorruptSnapshot, err)
	}
	if legacyValid == 1 {
		// No legacy format is understood here; a legacy section, if
		// present, is skipped rather than parsed - it contributes no
		// blocks to the reconstructed database.
		if err := skipSection(r); err != nil {
			return nil, fmt.Errorf("%w: skip legacy section: %v", ErrCorruptSnapshot, err)
		}
	}

	savannaValid, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: read savanna_valid: %v", ErrCorruptSnapshot, err)
	}
	if savannaValid != 1 {
		if inUse == inUseSavanna || inUse == inUseBoth {
			return nil, fmt.Errorf("%w: in_use claims savanna but savanna_valid=0", ErrCorruptSnapshot)
		}
		logger.Info("snapshot_load", "path", path, "blocks", 0)
		return db, nil
	}

	if err := readSection(r, db); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}

	logger.Info("snapshot_load", "path", path, "blocks", len(db.byID)+1)
	return db, nil
}

func skipSection(r *bytes.Reader) error {
	var hash [32]byte
	if _, err := io.ReadFull(r, hash[:]); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, hash[:]); err != nil {
		return err
	}
	if _, err := readFramed(r); err != nil {
		return err
	}
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		if _, err := readFramed(r); err != nil {
			return err
		}
	}
	return nil
}

func readSection(r *bytes.Reader, db *ForkDB) error {
	var rootID, pendingLibID digest.Hash
	if _, err := io.ReadFull(r, rootID[:]); err != nil {
		return fmt.Errorf("read root id: %w", err)
	}
	if _, err := io.ReadFull(r, pendingLibID[:]); err != nil {
		return fmt.Errorf("read pending_savanna_lib_id: %w", err)
	}

	rootBytes, err := readFramed(r)
	if err != nil {
		return fmt.Errorf("read root block_state: %w", err)
	}
	root, err := blockstate.Decode(rootBytes)
	if err != nil {
		return fmt.Errorf("decode root block_state: %w", err)
	}
	if root.ID != rootID {
		return fmt.Errorf("root id mismatch: header=%x block_state=%x", rootID, root.ID)
	}
	root.MarkValid()
	db.root = root
	db.pendingSavannaLibID = pendingLibID

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return fmt.Errorf("read block count: %w", err)
	}
	for i := uint64(0); i < count; i++ {
		raw, err := readFramed(r)
		if err != nil {
			return fmt.Errorf("read block_state %d: %w", i, err)
		}
		bs, err := blockstate.Decode(raw)
		if err != nil {
			return fmt.Errorf("decode block_state %d: %w", i, err)
		}
		bs.MarkValid()
		db.byID[bs.ID] = bs
		db.byPrevious[bs.Previous] = append(db.byPrevious[bs.Previous], bs.ID)
		db.insertBestBranch(bs.ID)
	}
	return nil
}

func readFramed(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
