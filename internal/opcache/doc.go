// Package opcache caches filesystem observations for one session.
//
// Two caches are kept, both keyed by absolute path:
//
//   - the content cache maps a file path to the content last read or
//     written through a tool, and hands out content references that later
//     actions can pass instead of inline content;
//   - the directory cache holds the project tree. It is filled by one
//     recursive scan of the project root on the first listing request and
//     then kept current incrementally as files and directories are created
//     or deleted.
//
// Entries never expire. Invalidation is driven only by the actions the
// session executes: writes and patches replace content, deletions drop it,
// and command execution drops the directory tree because its effects on
// the filesystem are unknown.
//
// A Cache is not safe for concurrent use; the session that owns it is the
// single writer.
package opcache
