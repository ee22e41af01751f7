// Package protocol implements the UDP packet format for network audio ingest.
// It handles header parsing and validation, PCM16 audio payloads with allocation-free
// deinterleaving, and freeze control payloads.
package protocol
