// Package store holds what the ledger's storage backends share: the build
// callbacks run under the chain-head lock and the ordering rules.
package store

import (
	"sort"

	"ledger/internal/ledger/models"
)

// AppendFunc builds the next entry while the store holds the chain-head lock.
// The returned entry must link to head and carry head.Sequence+1.
type AppendFunc func(head models.ChainHead) (*models.Entry, error)

// SealFunc builds a block over pending entries while the store holds the
// block-head lock. pending is never empty and is in chain order.
type SealFunc func(head models.BlockHead, pending []*models.Entry) (*models.Block, error)

// SortChainOrder orders entries by sequence, the order they were linked in.
func SortChainOrder(entries []*models.Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })
}

// SortNewestFirst orders entries by timestamp descending, ties broken by
// sequence descending.
func SortNewestFirst(entries []*models.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.Sequence > b.Sequence
	})
}

// SortOldestFirst orders entries by timestamp ascending, ties broken by
// sequence ascending.
func SortOldestFirst(entries []*models.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Sequence < b.Sequence
	})
}
