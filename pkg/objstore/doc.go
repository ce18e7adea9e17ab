/*
Package objstore provides the uniform object-store abstraction used by
all persistence paths in Strata.

Two implementations back the Store interface:

  - Local: a filesystem store where keys are relative paths and List
    recurses the directory tree. Used for tests, single-node runs, and
    the warm tier.
  - S3: an AWS S3 / S3-compatible store supporting a custom endpoint and
    static credentials for MinIO-style deployments, plus an optional key
    prefix shared by all objects.

Errors are classified on egress into the semantic kinds consumed by the
retry layer: NotFound for missing keys, TransientStorage for 5xx,
timeouts, and connection resets, and PermanentStorage for the remaining
4xx, auth, and validation failures. Delete is idempotent for both
implementations.
*/
package objstore
