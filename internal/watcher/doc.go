// Package watcher observes directory trees and delivers deduplicated change
// events to subscribers.
//
// A DirectoryWatcher owns a single recursive OS watch for one directory. The
// watch is started by the first AddCallback and stopped when the last
// callback is removed; a stopped watcher is never restarted. Raw events pass
// through a Deduplicator that releases each distinct change once no
// equivalent event has been seen for the configured window.
package watcher
