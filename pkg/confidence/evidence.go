package confidence

import (
	"fmt"
	"time"
)

// EvidenceKind classifies where a piece of evidence came from.
type EvidenceKind string

// Evidence kinds.
const (
	KindRule        EvidenceKind = "rule"
	KindProbability EvidenceKind = "probability"
	KindContext     EvidenceKind = "context"
)

// Evidence is one weighted justification for a classification.
type Evidence struct {
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Kind        EvidenceKind   `json:"type"`
	Description string         `json:"description"`
	Weight      float64        `json:"weight"`
}

// kindBase is the prior confidence each evidence kind carries on its own.
var kindBase = map[EvidenceKind]float64{
	KindRule:        0.95,
	KindProbability: 0.75,
	KindContext:     0.65,
}

// WeightedConfidence scores a set of evidence from the kinds involved, not from
// any state's running confidence. Unknown kinds count as 0.5.
func WeightedConfidence(evidence []Evidence) float64 {
	var total, weighted float64
	for _, e := range evidence {
		base, ok := kindBase[e.Kind]
		if !ok {
			base = 0.5
		}
		total += e.Weight
		weighted += e.Weight * base
	}
	if total == 0 {
		return 0
	}
	return min(1.0, weighted/total)
}

// AdjustByConsistency nudges each confidence by up to ±10% depending on how
// many neighbours within window share its state. Sequences shorter than the
// window are returned unchanged. Nil entries are kept and skipped.
func AdjustByConsistency(states []*StateWithConfidence, window int) []*StateWithConfidence {
	if window <= 0 {
		window = 5
	}
	if len(states) < window {
		return states
	}

	out := make([]*StateWithConfidence, len(states))
	for i, cur := range states {
		if cur == nil {
			continue
		}
		lo := max(0, i-window/2)
		hi := min(len(states), i+window/2+1)

		same, seen := 0, 0
		for _, nb := range states[lo:hi] {
			if nb == nil {
				continue
			}
			seen++
			if nb.state == cur.state {
				same++
			}
		}
		ratio := float64(same) / float64(seen)
		adjusted := max(0.0, min(1.0, cur.confidence+(ratio-0.5)*0.2))

		out[i] = &StateWithConfidence{
			state:      cur.state,
			confidence: adjusted,
			evidence: append(cur.Evidence(), Evidence{
				Timestamp:   lastTimestamp(cur),
				Metadata:    map[string]any{"consistency_ratio": ratio},
				Kind:        KindContext,
				Description: fmt.Sprintf("consistency adjustment (ratio=%.2f)", ratio),
				Weight:      0.3,
			}),
			alternatives: cur.Alternatives(),
			tags:         cur.Tags(),
		}
	}
	return out
}

func lastTimestamp(s *StateWithConfidence) time.Time {
	if n := len(s.evidence); n > 0 {
		return s.evidence[n-1].Timestamp
	}
	return time.Time{}
}
