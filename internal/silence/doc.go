// Package silence provides the auto-pause gate that stops capture during dead air.
// It classifies each block by its peak magnitude, engages after a sustained quiet
// period and releases on the first loud block.
package silence
