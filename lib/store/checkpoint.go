package store

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ValentinKolb/hlock/lib/epoch"
	"github.com/ValentinKolb/hlock/lib/hashindex"
)

// --------------------------------------------------------------------------
// Checkpoint format
// --------------------------------------------------------------------------
//
//	magic    [8]byte  "HLOCKCP\x00"
//	version  uint8
//	seed     uint64   little endian
//	tail     uint64
//	count    uint64
//	count x  { keyLen uint32, key, valueLen uint32, value }

var checkpointMagic = [8]byte{'H', 'L', 'O', 'C', 'K', 'C', 'P', 0}

const (
	checkpointVersion    uint8 = 1
	checkpointHeaderSize       = 8 + 1 + 8 + 8 + 8
	maxCheckpointField         = 1 << 30
	checkpointBatch            = 1024
	checkpointBufferSize       = 1 << 20
)

type checkpointEntry struct {
	key   []byte
	value []byte
}

// Checkpoint waits until every operation in flight at the time of the call
// has finished, then reads every key with a record under a shared lock and
// writes the live ones to w. Records written concurrently may or may not be
// included. A key held exclusively by a manual lock delays the checkpoint
// until it is released or ctx is done.
func (st *storeImpl) Checkpoint(ctx context.Context, w io.Writer) (CheckpointInfo, error) {
	if st.closed.Load() {
		return CheckpointInfo{}, ErrClosed
	}

	var tail uint64
	done := make(chan struct{})
	st.epoch.BumpCurrentEpochWith(func() {
		tail = st.log.tail.Load()
		close(done)
	})
	if err := st.waitDrained(ctx, done); err != nil {
		return CheckpointInfo{}, err
	}

	entries, err := st.collect(ctx)
	if err != nil {
		return CheckpointInfo{}, err
	}

	info := CheckpointInfo{Seed: st.index.Seed(), TailAddress: tail, Records: uint64(len(entries))}
	bw := bufio.NewWriterSize(w, checkpointBufferSize)
	if _, err := bw.Write(checkpointMagic[:]); err != nil {
		return info, err
	}
	for _, v := range []any{checkpointVersion, info.Seed, info.TailAddress, info.Records} {
		if err := binary.Write(bw, binary.LittleEndian, v); err != nil {
			return info, err
		}
	}
	info.Bytes = checkpointHeaderSize
	for _, e := range entries {
		for _, field := range [][]byte{e.key, e.value} {
			if err := binary.Write(bw, binary.LittleEndian, uint32(len(field))); err != nil {
				return info, err
			}
			if _, err := bw.Write(field); err != nil {
				return info, err
			}
			info.Bytes += 4 + int64(len(field))
		}
	}
	if err := bw.Flush(); err != nil {
		return info, err
	}

	plog.Infof("checkpoint written (records=%d, tail=%d, bytes=%d)", info.Records, info.TailAddress, info.Bytes)
	return info, nil
}

// collect reads the live value of every key.
func (st *storeImpl) collect(ctx context.Context) ([]checkpointEntry, error) {
	var keys []string
	if err := st.withHandle(func(h *epoch.Handle) {
		st.index.Range(h, func(hei hashindex.HashEntryInfo) bool {
			// keys that never had a record (e.g. only ever locked) are skipped
			if !hei.IsUnresolved() && !hashindex.IsRetired(hei.Word) {
				keys = append(keys, hei.Key())
			}
			return true
		})
	}); err != nil {
		return nil, err
	}

	sess, err := st.NewSession()
	if err != nil {
		return nil, err
	}
	defer func() {
		// reads already issued finish even if ctx is done, a session with
		// pending operations cannot be closed
		_, _ = sess.CompletePending(context.WithoutCancel(ctx), true)
		_ = sess.Close()
	}()

	entries := make([]checkpointEntry, 0, len(keys))
	add := func(op *Operation) {
		if op.Status == StatusOK {
			entries = append(entries, checkpointEntry{key: op.Key, value: op.Output})
		}
	}

	for i, k := range keys {
		op := &Operation{Kind: OpRead, Key: []byte(k)}
		if _, err := sess.Execute(ctx, op); err != nil {
			return nil, err
		}
		if op.Status != StatusPending {
			add(op)
		}
		if (i+1)%checkpointBatch == 0 || i == len(keys)-1 {
			done, err := sess.CompletePending(ctx, true)
			if err != nil {
				return nil, err
			}
			for _, op := range done {
				if op.Err != nil {
					return nil, op.Err
				}
				add(op)
			}
		}
	}
	return entries, nil
}

// Recover reads a checkpoint written by Checkpoint and upserts its records.
func (st *storeImpl) Recover(ctx context.Context, r io.Reader) (CheckpointInfo, error) {
	if st.closed.Load() {
		return CheckpointInfo{}, ErrClosed
	}
	br := bufio.NewReaderSize(r, checkpointBufferSize)

	var magic [8]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return CheckpointInfo{}, fmt.Errorf("%w: reading magic: %v", ErrBadCheckpoint, err)
	}
	if magic != checkpointMagic {
		return CheckpointInfo{}, fmt.Errorf("%w: invalid magic header", ErrBadCheckpoint)
	}
	var version uint8
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return CheckpointInfo{}, fmt.Errorf("%w: reading version: %v", ErrBadCheckpoint, err)
	}
	if version != checkpointVersion {
		return CheckpointInfo{}, fmt.Errorf("%w: unsupported version %d", ErrBadCheckpoint, version)
	}

	var info CheckpointInfo
	for _, v := range []any{&info.Seed, &info.TailAddress, &info.Records} {
		if err := binary.Read(br, binary.LittleEndian, v); err != nil {
			return CheckpointInfo{}, fmt.Errorf("%w: reading header: %v", ErrBadCheckpoint, err)
		}
	}
	info.Bytes = checkpointHeaderSize
	if info.Seed != st.index.Seed() {
		plog.Debugf("recovering checkpoint with seed %d into index with seed %d", info.Seed, st.index.Seed())
	}

	sess, err := st.NewSession()
	if err != nil {
		return CheckpointInfo{}, err
	}
	defer sess.Close()

	readField := func() ([]byte, error) {
		var n uint32
		if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		if n > maxCheckpointField {
			return nil, fmt.Errorf("field length %d exceeds limit", n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, err
		}
		info.Bytes += 4 + int64(n)
		return buf, nil
	}

	for i := uint64(0); i < info.Records; i++ {
		key, err := readField()
		if err != nil {
			return info, fmt.Errorf("%w: record %d key: %v", ErrBadCheckpoint, i, err)
		}
		value, err := readField()
		if err != nil {
			return info, fmt.Errorf("%w: record %d value: %v", ErrBadCheckpoint, i, err)
		}
		if _, err := sess.Upsert(ctx, key, value); err != nil {
			return info, err
		}
	}

	plog.Infof("checkpoint recovered (records=%d, bytes=%d)", info.Records, info.Bytes)
	return info, nil
}
