/*
Package events implements the two halves of the broker's publish/subscribe
pipeline: the rank-0 Publisher that assigns a gap-free global sequence to
every event, and the per-rank Distributor that dedups, logs gaps, fans
events out to children, and delivers them to local subscribers (the
broker's own internal handle and any subscribed module).

The run-loop-and-fan-out shape is carried over from an earlier, simpler
broadcast-channel event bus this package replaced: a single publish path
feeding a bounded channel, drained by one goroutine that never blocks on a
slow subscriber. What changed is the subject: these events are
topic-addressed and globally sequenced rather than an unordered
cluster-notification feed, so delivery now requires per-rank dedup and
subscription-prefix matching instead of a flat subscriber list.
*/
package events
