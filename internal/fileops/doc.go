// Package fileops provides the idempotent filesystem primitives the job
// pipelines build on: path containment checks, delete-if-present, rename based
// tombstones, and the orphaned tombstone sweep.
//
// Every mutating call emits exactly one structured "file operation" record so
// operators can audit what happened to a material's file.
package fileops
