// Package notifier delivers short operator notifications about the
// dispatcher: batch summaries, auto-pause transitions, manual stops and
// transport disconnects.
//
// # Pipeline
//
// Bus events are turned into notifications, deduplicated, queued and sent
// by a small worker pool through a Sender (the transport's operator-chat
// hook). Sends are rate limited with golang.org/x/time/rate and retried
// with jittered exponential backoff.
//
// # Dedup
//
// Identical notifications inside DedupWindow are dropped. Suppression is
// kept in memory and, when PersistDedup is set, mirrored to the store so it
// survives restarts.
package notifier
