// Package capture provides the always-on recording engine and its control surface.
// It feeds real-time blocks through freeze and silence checks into the sample ring,
// applies duration changes under host suspension and copies history out for rescue.
package capture
