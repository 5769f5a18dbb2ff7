// Package notifier delivers operator alerts.
//
// Alerts are short, high-signal messages: a firing that degraded or failed,
// a registry that can no longer be written. Each alert carries a priority
// and a target chat (optionally with a forum topic).
//
// # Pipeline
//
// Notify enqueues; a small worker pool drains the queue through a token
// bucket, retries failed sends with jittered exponential backoff and drops
// duplicates seen within the dedup window.
//
// # Transport
//
// Delivery goes through a transport.Sender (the Telegram adapter in
// production), so the alert wording lives here and the wire concerns live
// in the adapter.
package notifier
