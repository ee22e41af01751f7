// Package host drives the capture engine from audio sources.
// It provides the suspendable callback gate plus PortAudio device input and WAV replay.
package host
