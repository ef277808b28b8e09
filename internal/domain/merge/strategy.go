package merge

import (
	"fmt"
)

// Strategy selects a merge implementation. Every value below strategyCount
// has an entry in the executor table.
type Strategy int

const (
	StrategyThreeWay Strategy = iota
	StrategyOperationalTransform
	StrategyLastWriterWins
	StrategyUserPriority
	StrategyAIAssisted
	StrategyManual
	StrategyRuleBased
	strategyCount
)

var strategyNames = [strategyCount]string{
	StrategyThreeWay:             "three_way_merge",
	StrategyOperationalTransform: "operational_transform",
	StrategyLastWriterWins:       "last_writer_wins",
	StrategyUserPriority:         "user_priority",
	StrategyAIAssisted:           "ai_assisted",
	StrategyManual:               "manual",
	StrategyRuleBased:            "rule_based",
}

func (s Strategy) String() string {
	if s.Valid() {
		return strategyNames[s]
	}
	return "unknown"
}

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	return s >= 0 && s < strategyCount
}

// ParseStrategy maps a strategy name to its value.
func ParseStrategy(name string) (Strategy, error) {
	for i, n := range strategyNames {
		if n == name {
			return Strategy(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}

func (s Strategy) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStrategy, int(s))
	}
	return []byte(strategyNames[s]), nil
}

func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Strategies lists every strategy in declaration order.
func Strategies() []Strategy {
	out := make([]Strategy, 0, strategyCount)
	for s := Strategy(0); s < strategyCount; s++ {
		out = append(out, s)
	}
	return out
}

// baseline success rates and durations used when no rule history applies.
var (
	baselineSuccess = [strategyCount]float64{
		StrategyThreeWay:             0.8,
		StrategyOperationalTransform: 0.85,
		StrategyLastWriterWins:       0.6,
		StrategyUserPriority:         0.7,
		StrategyAIAssisted:           0.65,
		StrategyManual:               0.5,
		StrategyRuleBased:            0.75,
	}
	baselineMillis = [strategyCount]int64{
		StrategyThreeWay:             50,
		StrategyOperationalTransform: 20,
		StrategyLastWriterWins:       5,
		StrategyUserPriority:         10,
		StrategyAIAssisted:           5000,
		StrategyManual:               3_600_000,
		StrategyRuleBased:            100,
	}
)
