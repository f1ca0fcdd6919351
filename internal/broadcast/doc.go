// Package broadcast implements the channel fan-out engine.
//
// One Engine serves the whole process. Publish persists a broadcast record
// first and then delivers it to every unmuted subscriber of the channel over
// a bounded worker pool; each recipient is isolated, so a single failing
// delivery never aborts or delays the rest. Retract tombstones a broadcast
// and fans out deletion the same way. CatchUp replays missed broadcasts to
// one subscriber strictly in order with a fixed pacing delay.
//
// # Delivery semantics
//
// Publish and Retract are best-effort per recipient: failures are counted and
// logged, never propagated. Only the durability step (writing the broadcast
// row) is fatal. Recipients reported gone by the transport are removed from
// the subscriber table as a side effect.
package broadcast
