// Package notifier delivers operator notifications about feeding outcomes.
//
// Notify only enqueues. Workers drain the queue through a shared rate
// limiter and hand each message to every configured Sink (log, Telegram,
// webhook), retrying with exponential backoff. Identical messages inside
// the dedup window are dropped; with PersistDedup the marks are also kept in
// the store so a restart does not re-send them.
//
// *Service implements feeding.Emitter.
package notifier
