// Package filestore implements the file-backed Token Store. It layers an
// encrypted, periodically-debounced JSON document over an in-memory index
// (storage/memory), and watches the document's directory with fsnotify so a
// file replaced out-of-band (for example by a sibling replica sharing the
// same volume) is re-hydrated without a process restart.
package filestore
