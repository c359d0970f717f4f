// Package dag validates workflow definitions and exposes their task graph.
//
// A definition is accepted only if task names are unique and non-empty, every
// dependency names a task of the same definition, and the dependency graph is
// acyclic. Validation is a pure check; the returned Graph is read-only and is
// shared by every run created from the same definition snapshot.
package dag
