package events

import (
	"encoding/json"
	"time"

	"github.com/proctorhq/vigil/internal/idgen"
)

// Envelope is the bit-exact wire frame shared with producers and observers:
// {"type": <event-type-string>, "timestamp": <ISO-8601 string>, "data": {...}}.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Ingestor decodes raw envelopes into typed events. Flag payloads are
// validated against the known flag types so an unrecognized flag never
// reaches the risk engine.
type Ingestor struct {
	knownFlags map[string]bool
}

// NewIngestor creates an ingestor that accepts the given flag types.
func NewIngestor(flagTypes []string) *Ingestor {
	known := make(map[string]bool, len(flagTypes))
	for _, ft := range flagTypes {
		known[ft] = true
	}
	return &Ingestor{knownFlags: known}
}

// KnownFlag reports whether flagType is in the accepted set.
func (in *Ingestor) KnownFlag(flagType string) bool {
	return in.knownFlags[flagType]
}

// Ingest decodes one raw envelope. On failure it returns a *DecodeError and
// no event; it never panics into the transport layer.
func (in *Ingestor) Ingest(raw []byte) (*Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Reason: "invalid envelope JSON"}
	}
	return in.IngestEnvelope(&env)
}

// IngestEnvelope decodes an already-parsed envelope.
func (in *Ingestor) IngestEnvelope(env *Envelope) (*Event, error) {
	if env.Type == "" {
		return nil, &DecodeError{Reason: "missing type"}
	}
	if !knownTypes[Type(env.Type)] {
		return nil, &DecodeError{Type: env.Type, Reason: "unknown event type"}
	}

	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		return nil, &DecodeError{Type: env.Type, Reason: "timestamp is not ISO-8601"}
	}

	ev := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      Type(env.Type),
		Timestamp: ts,
	}

	switch ev.Type {
	case TypeCoding:
		var p CodingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, &DecodeError{Type: env.Type, Reason: "invalid coding payload"}
		}
		ev.Coding = &p

	case TypeSpeech:
		var p SpeechPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, &DecodeError{Type: env.Type, Reason: "invalid speech payload"}
		}
		ev.Speech = &p

	case TypeVision:
		var p VisionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, &DecodeError{Type: env.Type, Reason: "invalid vision payload"}
		}
		if p.MetricType == "" {
			return nil, &DecodeError{Type: env.Type, Reason: "missing metricType"}
		}
		ev.Vision = &p

	case TypeFlag:
		var p FlagPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, &DecodeError{Type: env.Type, Reason: "invalid flag payload"}
		}
		if p.FlagType == "" {
			return nil, &DecodeError{Type: env.Type, Reason: "missing flagType"}
		}
		if !in.knownFlags[p.FlagType] {
			return nil, &DecodeError{Type: env.Type, Reason: "unknown flag type " + p.FlagType}
		}
		if p.Severity <= 0 || p.Severity > 1 {
			return nil, &DecodeError{Type: env.Type, Reason: "severity must be in (0, 1]"}
		}
		ev.Flag = &p
	}

	return ev, nil
}
