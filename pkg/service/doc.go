/*
Package service implements the broker's service switch: the mapping from a
dotted topic name to the handler that owns it.

A service entry is registered under a name that need not contain a dot —
the name is a topic *prefix*. Dispatch resolves a message's topic to the
entry whose name is the longest dot-bounded prefix of the topic; since names
are unique, ties cannot occur.

Built-in broker services and module-provided services are both represented
as a service.Handler, following the "handler trait" design note in
SPEC_FULL.md §4: a built-in handler (pkg/broker) handles the request in place
and routes its own response, a module-provided handler forwards onto the
module's inbox. The switch itself does not care which.
*/
package service
