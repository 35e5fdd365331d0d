/*
Package diag persists post-mortem diagnostics for a broker process: the
matchtag high-water mark and outstanding set at teardown, and a snapshot
of the module table at the moment of a broker.panic request. None of this is needed for correct operation — in-flight message
persistence across restarts is an explicit non-goal — it exists purely so
an operator can open the on-disk record after a crash and see what the
broker's internal state looked like at the end, grounded on the same
go.etcd.io/bbolt single-file embedded store the rest of this codebase
uses for durable local state.
*/
package diag
