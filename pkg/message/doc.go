/*
Package message defines the wire-independent value types the router, the
service switch, and the module host all exchange: the immutable Message
itself, its route stack, and the TagPool that hands out per-handle matchtags.

None of the types here know how a Message reaches the wire — pkg/overlay
handles that — they only define the shape and the copy-on-write discipline
every component is expected to follow: a Message is never mutated in place,
it is cloned.
*/
package message
