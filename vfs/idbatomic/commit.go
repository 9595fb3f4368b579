package idbatomic

import (
	"context"
	"sort"
	"strconv"
	"strings"

	sqlite3 "github.com/sqlite3vfs/idb"
	"github.com/sqlite3vfs/idb/broadcast"
	"github.com/sqlite3vfs/idb/internal/metrics"
	"github.com/sqlite3vfs/idb/kvstore"
	"github.com/sqlite3vfs/idb/locks"
	"github.com/sqlite3vfs/idb/vfs"
)

// Lock implements jLock. A SHARED->RESERVED request first checks whether
// this file's view has fallen behind the durable store (spec.md §4.3:
// another agent committed since this view was taken); if so it catches the
// view up and reports BUSY rather than granting RESERVED over stale data.
// A NONE->SHARED grant drains and applies any broadcasts queued while the
// file sat idle.
func (f *File) Lock(level vfs.LockLevel) error {
	f.mu.Lock()
	cur := f.lock.CurrentLevel()
	if cur == vfs.LOCK_SHARED && level == vfs.LOCK_RESERVED {
		stale, err := f.checkStaleViewLocked()
		if err != nil {
			f.mu.Unlock()
			return err
		}
		if stale {
			f.mu.Unlock()
			return vfsErr(sqlite3.BUSY, "idbatomic: %q view is stale", f.path)
		}
	}
	f.mu.Unlock()

	if err := f.lock.Lock(level); err != nil {
		return err
	}

	if cur == vfs.LOCK_NONE && level == vfs.LOCK_SHARED {
		f.mu.Lock()
		f.incorporatePeerBroadcastsLocked()
		f.bumpChangeCounterIfRollbackOOBLocked()
		f.mu.Unlock()
	}
	return nil
}

// SetRollbackOOB implements nojournal.CompanionDB: the paired journal
// surrogate calls this when SQLite reads its hot-journal marker, meaning
// an out-of-band rollback is about to happen and this file's cached pages
// must be treated as stale (spec.md §4.5/§9). The actual change-counter
// bump happens lazily, on this file's next SHARED acquisition, since that
// is this file's only well-defined "next access" point.
func (f *File) SetRollbackOOB() {
	f.mu.Lock()
	f.rollbackOOB = true
	f.mu.Unlock()
}

// bumpChangeCounterIfRollbackOOBLocked increments page 1's change counter
// (offset 24) so the engine discards its page cache instead of trusting
// pages that predate the rollback (spec.md §9).
func (f *File) bumpChangeCounterIfRollbackOOBLocked() {
	if !f.rollbackOOB {
		return
	}
	f.rollbackOOB = false

	page0 := f.mirror[0]
	if len(page0) < 28 {
		return
	}
	patched := append([]byte(nil), page0...)
	counter := uint32(patched[24])<<24 | uint32(patched[25])<<16 | uint32(patched[26])<<8 | uint32(patched[27])
	counter++
	patched[24] = byte(counter >> 24)
	patched[25] = byte(counter >> 16)
	patched[26] = byte(counter >> 8)
	patched[27] = byte(counter)
	f.mirror[0] = patched

	if err := f.vfs.cfg.Store.Batch(context.Background(), []kvstore.Write{
		{Store: blocksObjectStore, Key: blockKey(f.path, 0), Value: patched},
	}); err != nil {
		f.log.Warn().Err(err).Msg("failed to persist change-counter bump after out-of-band rollback")
	}
}

// Unlock implements jUnlock. Dropping below RESERVED with an open
// transaction discards it, matching a rollback: only jSync/jFileControl
// commit, jUnlock never does. Dropping to NONE also applies any queued
// peer broadcasts.
func (f *File) Unlock(level vfs.LockLevel) error {
	f.mu.Lock()
	if f.txActive != nil && level < vfs.LOCK_RESERVED {
		f.txActive = nil
		f.txOverwrite = false
	}
	f.mu.Unlock()
	if err := f.lock.Unlock(level); err != nil {
		return err
	}
	if level == vfs.LOCK_NONE {
		f.mu.Lock()
		f.incorporatePeerBroadcastsLocked()
		f.mu.Unlock()
	}
	return nil
}

func (f *File) CheckReservedLock() (bool, error) {
	return f.lock.CheckReservedLock()
}

// FileControl implements the escape-hatch ops spec.md §4.3's table lists
// for batch-atomic writes; unknown ops report NOTFOUND so the engine falls
// back to its default handling.
func (f *File) FileControl(op vfs.FcntlOp, arg []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch op {
	case vfs.FCNTL_BEGIN_ATOMIC_WRITE, vfs.FCNTL_COMMIT_ATOMIC_WRITE:
		return nil, nil
	case vfs.FCNTL_ROLLBACK_ATOMIC_WRITE:
		f.txActive = nil
		f.txOverwrite = false
		return nil, nil
	case vfs.FCNTL_SYNC:
		if f.txActive != nil && !f.txOverwrite {
			return nil, f.commitLocked()
		}
		return nil, nil
	case vfs.FCNTL_OVERWRITE:
		f.txOverwrite = true
		return nil, nil
	case vfs.FCNTL_COMMIT_PHASETWO:
		err := f.commitLocked()
		f.txOverwrite = false
		return nil, err
	case vfs.FCNTL_WRITE_HINT:
		f.lock.WriteHint()
		return nil, nil
	default:
		return nil, vfsErr(sqlite3.NOTFOUND, "idbatomic: unsupported file control %d", int(op))
	}
}

// commitLocked implements spec.md §4.3's six-step commit. f.mu is already
// held by the caller (Sync or FileControl).
func (f *File) commitLocked() error {
	tx := f.txActive
	if tx == nil {
		return nil
	}

	newPageCount := tx.fileSize / int64(f.blockSize)

	for idx, page := range tx.pages {
		if idx < newPageCount {
			f.mirror[idx] = page
		}
	}
	var droppedOffsets []int64
	for idx := range f.mirror {
		if idx >= newPageCount {
			droppedOffsets = append(droppedOffsets, idx)
			delete(f.mirror, idx)
		}
	}
	f.fileSize = tx.fileSize

	f.advanceViewLockLocked(tx.txID)

	oldest := f.vfs.oldestTxID(f.path, tx.txID)
	metrics.ViewLockOldestTxAge.Set(float64(tx.txID - oldest))

	offsets := make([]int64, 0, len(tx.pages))
	writes := make([]kvstore.Write, 0, len(tx.pages)+2)
	pages := make(map[int64][]byte, len(tx.pages))
	for idx, page := range tx.pages {
		if idx >= newPageCount {
			continue
		}
		offsets = append(offsets, idx)
		pages[idx] = page
		writes = append(writes, kvstore.Write{Store: blocksObjectStore, Key: blockKey(f.path, idx), Value: page})
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	// Truncation can drop pages this transaction never wrote. Those blocks
	// are still sitting in the backing store from an earlier commit and
	// must be deleted there too, or the next Open's GetRange scan over the
	// whole path range resurrects them into the mirror.
	for _, idx := range droppedOffsets {
		writes = append(writes, kvstore.Write{Store: blocksObjectStore, Key: blockKey(f.path, idx), Value: nil})
	}

	record := txRecord{Path: f.path, TxID: tx.txID, Offsets: offsets, FileSize: tx.fileSize}
	writes = append(writes, kvstore.Write{Store: txObjectStore, Key: txKey(f.path, tx.txID), Value: encodeTxRecord(record)})

	obsolete, err := f.vfs.cfg.Store.GetRange(txObjectStore, txKey(f.path, 0), txKey(f.path, oldest))
	if err != nil && err != kvstore.ErrNotFound {
		return err
	}
	for _, e := range obsolete {
		writes = append(writes, kvstore.Write{Store: txObjectStore, Key: e.Key, Value: nil})
	}

	if err := f.vfs.cfg.Store.Batch(context.Background(), writes); err != nil {
		return err
	}

	msg := broadcast.Message{
		Channel: mirrorChannel(f.path),
		TxID:    tx.txID,
		Sender:  f.vfs.cfg.Holder,
		Payload: encodeTxBroadcast(txBroadcast{txRecord: record, Pages: pages}),
	}
	if f.vfs.cfg.Synchronous == SynchronousFull {
		f.vfs.cfg.Hub.Publish(msg)
	} else {
		go f.vfs.cfg.Hub.Publish(msg)
	}

	f.txActive = nil
	f.txOverwrite = false
	return nil
}

// advanceViewLockLocked moves the view lock forward to txID, acquiring the
// new lease before releasing the old one so the view-lock set (and
// therefore oldestTxID) never transiently drops to zero holders for this
// file (spec.md §4.3: "advance the view lock, new before old").
func (f *File) advanceViewLockLocked(txID int64) {
	lease, err := f.vfs.cfg.Locks.Request(context.Background(), viewLockName(f.path, txID), f.vfs.cfg.Holder, locks.Shared, locks.Options{})
	if err != nil {
		f.log.Warn().Err(err).Int64("tx_id", txID).Msg("failed to advance view lock")
		return
	}
	old := f.viewLease
	f.viewLease = lease
	f.viewTxID = txID
	if old != nil {
		old.Release()
	}
}

// checkStaleViewLocked fetches every tx record committed after this
// file's current view, faults in the pages they touched, and applies them
// as if they had arrived over the broadcast channel. It reports whether
// any such record existed (a stale view).
func (f *File) checkStaleViewLocked() (bool, error) {
	_, upper := pathRange(f.path)
	entries, err := f.vfs.cfg.Store.GetRange(txObjectStore, txKey(f.path, f.viewTxID+1), upper)
	if err != nil && err != kvstore.ErrNotFound {
		return false, err
	}
	if len(entries) == 0 {
		return false, nil
	}

	for _, e := range entries {
		record, err := decodeTxRecord(e.Value)
		if err != nil {
			return false, err
		}
		pages := make(map[int64][]byte, len(record.Offsets))
		for _, off := range record.Offsets {
			page, err := f.vfs.cfg.Store.Get(blocksObjectStore, string(blockKey(f.path, off)))
			if err != nil {
				return false, err
			}
			pages[off] = page
		}
		f.applyTxBroadcastLocked(txBroadcast{txRecord: record, Pages: pages})
	}
	return true, nil
}

// incorporatePeerBroadcastsLocked drains pending broadcast messages,
// applying them in txID order but only while strictly contiguous with the
// current view; a gap (a broadcast dropped or a peer's commit not yet
// arrived) leaves the rest queued for the next opportunity, per spec.md
// §4.3's incorporation step. Records at or below the current view (already
// faulted in by checkStaleViewLocked) are dropped from the queue.
func (f *File) incorporatePeerBroadcastsLocked() {
	for {
		select {
		case msg, ok := <-f.sub.Receive():
			if !ok {
				goto drained
			}
			tb, err := decodeTxBroadcast(msg.Payload)
			if err != nil {
				f.log.Warn().Err(err).Msg("dropping malformed broadcast payload")
				continue
			}
			f.pending = append(f.pending, tb)
		default:
			goto drained
		}
	}
drained:
	sort.Slice(f.pending, func(i, j int) bool { return f.pending[i].TxID < f.pending[j].TxID })

	applied := 0
	for _, tb := range f.pending {
		if tb.TxID <= f.viewTxID {
			applied++
			continue
		}
		if tb.TxID != f.viewTxID+1 {
			break
		}
		f.applyTxBroadcastLocked(tb)
		applied++
	}
	f.pending = f.pending[applied:]
}

// applyTxBroadcastLocked merges a peer's committed transaction (whether it
// arrived via the broadcast channel or was faulted in from the store) into
// the mirror and advances the view lock to match.
func (f *File) applyTxBroadcastLocked(tb txBroadcast) {
	newPageCount := tb.FileSize / int64(f.blockSize)
	for idx, page := range tb.Pages {
		f.mirror[idx] = page
	}
	for idx := range f.mirror {
		if idx >= newPageCount {
			delete(f.mirror, idx)
		}
	}
	f.fileSize = tb.FileSize
	f.advanceViewLockLocked(tb.TxID)
}

// oldestTxID returns the lowest txID any live view lock on path still
// references, or fallback if none are held (spec.md §4.3 step 3: commit
// may only delete tx records older than every agent's current view).
func (v *VFS) oldestTxID(path string, fallback int64) int64 {
	held, _ := v.cfg.Locks.Query()
	prefix := path + "@@["
	oldest := fallback
	found := false
	for _, h := range held {
		if !strings.HasPrefix(h.Name, prefix) {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(h.Name, prefix), "]")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		if !found || id < oldest {
			oldest = id
			found = true
		}
	}
	return oldest
}
