package stt

import "time"

// Transcript is one recognition result. Interim results are replaced by
// the next result; final results are committed.
type Transcript struct {
	Text    string
	IsFinal bool

	// Confidence is in [0, 1]; zero when the provider does not report it.
	Confidence float64

	// Words is filled by providers with word-level timing.
	Words []WordDetail

	// Timestamp is the utterance start relative to the stream start.
	Timestamp time.Duration
	Duration  time.Duration
}

// WordDetail is the timing of one recognised word.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}
