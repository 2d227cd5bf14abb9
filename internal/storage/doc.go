// Package storage is the SQL persistence layer of the bot.
//
// One Store serves both supported dialects (SQLite via modernc.org/sqlite and
// PostgreSQL via lib/pq) and holds:
//   - resource_cache: last good upstream snapshot per scope key
//   - subscriptions: notification subscriptions per owner chat
//   - notification_ledger: (subscription, contest) pairs already notified
//   - instance_lock: the single-runner lease row
//
// Timestamps are stored as unix milliseconds in both dialects.
package storage
