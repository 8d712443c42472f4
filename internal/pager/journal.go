package pager

import (
	"artidx/internal/base"
	"artidx/internal/wal"
)

type walJournal struct {
	w *wal.WAL
}

// NewWALJournal logs each session's dirty pages as one WAL transaction.
func NewWALJournal(w *wal.WAL) Journal {
	return walJournal{w: w}
}

func (j walJournal) LogPages(ids []base.PageID, pages []*base.Page) error {
	txn := j.w.NextTxnID()
	for i, id := range ids {
		if err := j.w.AppendPage(txn, id, pages[i]); err != nil {
			return err
		}
	}
	return j.w.AppendCommit(txn)
}
