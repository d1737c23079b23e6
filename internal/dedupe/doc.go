// Package dedupe remembers recently seen message IDs for a bounded window so
// that broker messages delivered more than once are only acted on once.
//
// The broadcast router uses a Cache keyed by envelope ID: the Event Channel
// promises at-least-once delivery at best, and a process may receive the same
// envelope through reconnects or overlapping subscriptions.
package dedupe
