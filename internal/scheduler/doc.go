// Package scheduler drives automated feedings.
//
// Two cron jobs run per Service:
//
//	poll  (default 30s)  reclaim stuck events, then select and dispatch due ones
//	sweep (default 10m)  fail scheduled events that are far past their time
//
// Both run once immediately on Start. A due event is claimed with a
// compare-and-swap on its status (scheduled -> processing), so two passes or
// two processes never dispatch it twice; the in-memory dedup guard only
// avoids pointless claim attempts between ticks.
//
// Outcomes are resolved locally and written back to the EventStore. Final
// outcomes go to the feeding.Emitter, which must not block.
package scheduler
