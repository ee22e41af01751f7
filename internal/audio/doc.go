// Package audio holds the sample storage behind the recorder.
// It implements the fixed-capacity multi-channel ring that retains recent history,
// and WAV encoding/decoding of float sample channels for export and replay.
package audio
