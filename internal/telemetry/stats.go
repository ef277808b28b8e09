package telemetry

import (
	"maps"
	"time"
)

// Stats is the read-only health summary served to operators.
type Stats struct {
	TotalConflicts        int                    `json:"total_conflicts"`
	Resolved              int                    `json:"resolved"`
	Escalated             int                    `json:"escalated"`
	Open                  int                    `json:"open"`
	AverageResolutionTime time.Duration          `json:"average_resolution_time_ns"`
	SuccessRateByType     map[string]float64     `json:"success_rate_by_type"`
	Merges                map[string]MergeCounts `json:"merges"`
	Sessions              map[string]int         `json:"sessions"`
}

// MergeCounts tallies executions of one strategy.
type MergeCounts struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
}

type typeCounts struct {
	detected  int
	resolved  int
	escalated int
}

type stats struct {
	total          int
	resolved       int
	escalated      int
	resolutionTime time.Duration
	types          map[string]*typeCounts
	merges         map[string]MergeCounts
	sessions       map[string]int
}

func newStats() stats {
	return stats{
		types:    make(map[string]*typeCounts),
		merges:   make(map[string]MergeCounts),
		sessions: make(map[string]int),
	}
}

func (s *stats) byType(t string) *typeCounts {
	c, ok := s.types[t]
	if !ok {
		c = &typeCounts{}
		s.types[t] = c
	}
	return c
}

// snapshot computes derived figures. Success rate is resolved over closed
// conflicts of the type; types with nothing closed are omitted.
func (s *stats) snapshot() Stats {
	out := Stats{
		TotalConflicts:    s.total,
		Resolved:          s.resolved,
		Escalated:         s.escalated,
		Open:              max(s.total-s.resolved-s.escalated, 0),
		SuccessRateByType: make(map[string]float64, len(s.types)),
		Merges:            maps.Clone(s.merges),
		Sessions:          maps.Clone(s.sessions),
	}
	if s.resolved > 0 {
		out.AverageResolutionTime = s.resolutionTime / time.Duration(s.resolved)
	}
	for name, c := range s.types {
		if closed := c.resolved + c.escalated; closed > 0 {
			out.SuccessRateByType[name] = float64(c.resolved) / float64(closed)
		}
	}
	return out
}
