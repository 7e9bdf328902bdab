// Package events defines the telemetry event model and the envelope decoder.
//
// Every message on the wire is a {type, timestamp, data} envelope. The decoder
// maps the envelope onto a closed set of typed events: coding activity, speech
// transcription, vision metrics, and integrity flags. Anything it cannot map
// is a DecodeError — the caller logs and discards, the channel stays up.
package events

import (
	"fmt"
	"time"
)

// Type discriminates the event union.
type Type string

const (
	TypeCoding Type = "coding"
	TypeSpeech Type = "speech"
	TypeVision Type = "vision_metric"
	TypeFlag   Type = "flag"
)

// knownTypes is the closed set the decoder accepts.
var knownTypes = map[Type]bool{
	TypeCoding: true,
	TypeSpeech: true,
	TypeVision: true,
	TypeFlag:   true,
}

// CodingPayload captures an editor activity event.
type CodingPayload struct {
	Language    string `json:"language"`
	SnapshotRef string `json:"snapshotRef"`
}

// SpeechPayload carries a transcript excerpt from the speech pipeline.
type SpeechPayload struct {
	TranscriptExcerpt string `json:"transcriptExcerpt"`
}

// VisionPayload carries a single vision/gaze metric sample.
type VisionPayload struct {
	MetricType string  `json:"metricType"`
	Value      float64 `json:"value"`
}

// FlagPayload is a weighted integrity-violation signal. Severity is an
// informational echo of the configured weight; the engine scores from its
// own weight table, never from this value.
type FlagPayload struct {
	FlagType string  `json:"flagType"`
	Severity float64 `json:"severity"`
}

// Event is one decoded telemetry event. Exactly one payload pointer is
// non-nil, matching Type. Events are never mutated after decode.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Coding *CodingPayload `json:"coding,omitempty"`
	Speech *SpeechPayload `json:"speech,omitempty"`
	Vision *VisionPayload `json:"vision,omitempty"`
	Flag   *FlagPayload   `json:"flag,omitempty"`
}

// DecodeError reports a malformed or unrecognized envelope.
type DecodeError struct {
	Reason string
	Type   string // envelope type string, if one was present
}

func (e *DecodeError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("decode %q: %s", e.Type, e.Reason)
	}
	return "decode: " + e.Reason
}
