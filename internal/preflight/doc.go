// Package preflight provides readiness checks for the directories, broker and
// material catalog that librarian depends on.
//
// The CLI "librarian preflight" command runs RunAll; "librarian status" uses
// the individual checks (CheckDirectoryAccess, CheckAPI) to show health.
// Every check reports a Result instead of failing so callers can render all
// problems at once.
package preflight
