// Package notifier turns post lifecycle events into operator notifications.
//
// It subscribes to the event bus, formats post.failed (and optionally
// post.published and aborted cycles) into short messages, and delivers them
// through a Sender such as the Telegram client.
//
// Delivery is asynchronous: a bounded queue feeds a small worker pool that
// applies a token-bucket rate limit, retries with backoff, and suppresses
// duplicate messages inside a dedup window. A short history of sent messages
// is kept for the ops status endpoint.
package notifier
