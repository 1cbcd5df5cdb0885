// Package streams contains the building blocks for long-lived item streams:
// a bounded or unbounded item buffer, a cancellation token, two kinds of
// producers, and consumers that drain a stream until it completes.
//
// A Stream is a single ordered sequence of items flowing in one direction. It
// ends exactly once, in one of three terminal states: Completed (the producer
// ran out of items), Faulted (the producer failed, see ProductionError), or
// Cancelled (the token was triggered). Cancellation is not a failure, so
// consumers report it through the Completion's State, never as a fault.
//
// Items can be produced in two ways:
//
//   - Cooperatively, with Generate. Each item is computed only when the
//     consumer asks for it, on the consumer's goroutine. Cancellation is
//     checked before every item and there is no buffering at all.
//   - Decoupled, with Go or Buffered. The producer runs on its own goroutine
//     and writes into a Buffer. A bounded buffer applies backpressure to the
//     producer; an unbounded one never blocks it. The Stream handle is
//     returned immediately, before any item is produced.
//
// Consumers either pull one item at a time (Range, or Stream.Next), or read
// in bursts from the underlying buffer (Drain, DrainBuffer). Both preserve
// item order and both surface a producer failure to the caller.
package streams
