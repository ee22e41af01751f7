// Package server implements the network edges of the recorder: a UDP source
// that feeds PCM packets to the host, the HTTP control API and the websocket
// status feed.
package server
