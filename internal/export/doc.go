// Package export writes recorder snapshots as WAV files, either into a
// retained rescue directory or straight to a download stream.
package export
