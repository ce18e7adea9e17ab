/*
Package store persists the relational rows the core consumes:
collection descriptors, per-collection tier state, vector documents,
and tenant descriptors.

The Store interface is the external contract; BoltStore implements it
over a single BoltDB file with one bucket per row family and JSON
values. Vector rows key on collection id plus big-endian doc id so a
prefix scan returns a collection's documents in doc-id order, which
bootstrap relies on when rebuilding indexes. Vectors are packed as
little-endian f32 via PackVector/UnpackVector.
*/
package store
