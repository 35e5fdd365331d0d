/*
Package broker wires every other package in this module into one running
process: the service switch, module host, subscription registry, overlay
adapter and its gRPC transport, event publisher and distributor, router,
config attribute store, diagnostics store, and metrics collector. It is
the Go equivalent of a dlopen'd broker.c with its static built-in service
table — except modules here are plain Go functions registered ahead of
time with RegisterModule, since there is no in-process dynamic loading
equivalent to dlopen for Go code.

Broker also implements the built-in RPC endpoint table: broker.insmod,
broker.rmmod, broker.lsmod, broker.panic, broker.disconnect, broker.sub,
broker.unsub, service.add, service.remove, event.pub, overlay.topology,
and overlay.health.
*/
package broker
