// Package directory provisions verified users and their groups in the catalog.
//
// The catalog only offers create and check primitives, so reconciliation is
// built from create-if-absent writes: a 409 on user creation means the user is
// already there, and groups are looked up before they are created.
//
// Group handling is best-effort and isolated per group. A group that cannot be
// checked or created is reported as a warning in the Result while the rest are
// still processed. Only a failed user write aborts Reconcile.
package directory
