// Package storage persists feeding events and the feed stock ledger.
//
// It also keeps the notifier's dedup marks so suppression survives restarts.
// The claim used by the scheduler is a compare-and-swap on status
// (feeding.Patch.IfStatus); every driver applies it atomically.
package storage
