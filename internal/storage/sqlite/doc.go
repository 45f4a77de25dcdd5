// Package sqlite provides the commit journal and snapshot reference store
// backed by SQLite.
//
// The journal is write-behind: the sync core assigns revisions and sequence
// numbers itself and this store only records accepted history, so appends
// are idempotent on commit_id and never gate a command's acceptance.
package sqlite
