package capture

// Counters are monotonic totals kept by the engine
type Counters struct {
	BlocksProcessed uint64 `json:"blocks_processed"`
	BlocksFrozen    uint64 `json:"blocks_frozen"`
	BlocksSilenced  uint64 `json:"blocks_silenced"`
	BlocksWritten   uint64 `json:"blocks_written"`
	SamplesWritten  uint64 `json:"samples_written"`
	Pauses          uint64 `json:"pauses"`
	Resizes         uint64 `json:"resizes"`
}

// Status is a point-in-time view of the engine. Fields are read
// independently and may be mutually slightly stale.
type Status struct {
	Prepared         bool     `json:"prepared"`
	SampleRate       float64  `json:"sample_rate"`
	Channels         int      `json:"channels"`
	Capacity         int      `json:"capacity"`
	DurationSeconds  float64  `json:"duration_seconds"`
	RequestedSeconds float64  `json:"requested_seconds"`
	WritePosition    int      `json:"write_position"`
	Frozen           bool     `json:"frozen"`
	Paused           bool     `json:"paused"`
	SilenceEnabled   bool     `json:"silence_enabled"`
	SilenceSeconds   float64  `json:"silence_seconds"`
	Counters         Counters `json:"counters"`
}

// Status reads the engine state. Safe from any goroutine.
func (e *Engine) Status() Status {
	gate := e.gate.Stats()
	s := Status{
		RequestedSeconds: e.RequestedDuration(),
		Frozen:           e.freeze.IsFrozen(),
		Paused:           gate.Paused,
		SilenceEnabled:   gate.Enabled,
		SilenceSeconds:   gate.SilenceSeconds,
		Counters:         e.Counters(),
	}

	if st := e.state.Load(); st != nil {
		s.Prepared = true
		s.SampleRate = st.sampleRate
		s.Channels = st.ring.Channels()
		s.Capacity = st.ring.Capacity()
		s.WritePosition = st.ring.Cursor()
		if st.sampleRate > 0 {
			s.DurationSeconds = float64(s.Capacity) / st.sampleRate
		}
	}
	return s
}

// Counters returns the engine's running totals
func (e *Engine) Counters() Counters {
	return Counters{
		BlocksProcessed: e.blocksProcessed.Load(),
		BlocksFrozen:    e.blocksFrozen.Load(),
		BlocksSilenced:  e.blocksSilenced.Load(),
		BlocksWritten:   e.blocksWritten.Load(),
		SamplesWritten:  e.samplesWritten.Load(),
		Pauses:          e.gate.Pauses(),
		Resizes:         e.resizes.Load(),
	}
}
