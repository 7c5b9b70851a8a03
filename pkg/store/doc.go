/*
Package store is the durable record of every project, task, and certificate:
the single source of truth the rest of the control plane reads and writes
through the Store interface.

Two implementations exist. BoltStore persists to a single BoltDB file with
one bucket per record kind plus a names bucket used for atomic project-name
reservation (the reservation and the project write share one transaction, so
duplicate-create races resolve to exactly one winner). MemStore mirrors the
same semantics in memory for tests.

Tasks are persisted alongside projects so that in-flight work can be
reconstructed after a process restart instead of being assumed lost.
*/
package store
