/*
Package module implements the module host: the lifecycle state machine for
broker-loaded service modules.

Unlike the C broker this is distilled from, a Go module is not a dlopen'd
shared object — it is a goroutine bound to its own inbound message channel,
started by Insmod and torn down by Rmmod. The host still reproduces the
original state machine (init, running, finalizing, exited), the mute-on-
finalizing rule, and the disconnect cascade a departing module triggers
against every service it talked to, grounded on the teacher's worker.go
goroutine-plus-stopCh idiom.
*/
package module
