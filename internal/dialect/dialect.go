// Package dialect classifies which backend's SQL variant a statement targets
// by scoring it against per-engine pattern sets.
package dialect

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

const EngineUnknown = "unknown"

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Scoring thresholds shared by every plugin.
const (
	HighConfidenceScore   = 15
	MediumConfidenceScore = 8
	WinMargin             = 3

	MinPatternWeight = 1
	MaxPatternWeight = 10
)

type Pattern struct {
	Matcher *regexp.Regexp
	Signal  string
	Weight  int
}

type Plugin struct {
	Engine   string
	Patterns []Pattern
}

type Detection struct {
	Engine     string         `json:"engine"`
	Confidence Confidence     `json:"confidence"`
	Signals    []string       `json:"signals"`
	Scores     map[string]int `json:"scores"`
}

// Registry owns the registered detector plugins. Registering under an
// existing engine id replaces that plugin in place; the registry keeps
// registration order so tie handling stays deterministic.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	plugins map[string]Plugin
}

func NewRegistry(plugins ...Plugin) (*Registry, error) {
	registry := &Registry{plugins: map[string]Plugin{}}
	for _, plugin := range plugins {
		if err := registry.Register(plugin); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (r *Registry) Register(plugin Plugin) error {
	if strings.TrimSpace(plugin.Engine) == "" {
		return fmt.Errorf("plugin engine id is required")
	}
	for _, pattern := range plugin.Patterns {
		if pattern.Matcher == nil {
			return fmt.Errorf("plugin %q: pattern matcher is required", plugin.Engine)
		}
		if pattern.Weight < MinPatternWeight || pattern.Weight > MaxPatternWeight {
			return fmt.Errorf("plugin %q: pattern weight %d out of range", plugin.Engine, pattern.Weight)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[plugin.Engine]; !exists {
		r.order = append(r.order, plugin.Engine)
	}
	r.plugins[plugin.Engine] = plugin
	return nil
}

func (r *Registry) Engines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	engines := make([]string, len(r.order))
	copy(engines, r.order)
	return engines
}

// Detect scores sqlText against every registered plugin. A winner needs a
// positive score and a margin of at least WinMargin over the runner-up;
// otherwise the result is unknown/low with the two closest plugins' matched
// signals attached for diagnostics.
func (r *Registry) Detect(sqlText string) Detection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	scores := make(map[string]int, len(r.order))
	signalsByEngine := make(map[string][]string, len(r.order))
	for _, engine := range r.order {
		scores[engine] = 0
	}

	if strings.TrimSpace(sqlText) == "" {
		return Detection{Engine: EngineUnknown, Confidence: ConfidenceLow, Signals: []string{}, Scores: scores}
	}

	for _, engine := range r.order {
		plugin := r.plugins[engine]
		for _, pattern := range plugin.Patterns {
			if pattern.Matcher.MatchString(sqlText) {
				scores[engine] += pattern.Weight
				signalsByEngine[engine] = append(signalsByEngine[engine], pattern.Signal)
			}
		}
	}

	ranked := make([]string, len(r.order))
	copy(ranked, r.order)
	sort.SliceStable(ranked, func(i, j int) bool {
		return scores[ranked[i]] > scores[ranked[j]]
	})

	if len(ranked) == 0 {
		return Detection{Engine: EngineUnknown, Confidence: ConfidenceLow, Signals: []string{}, Scores: scores}
	}

	top := ranked[0]
	topScore := scores[top]
	runnerUpScore := 0
	if len(ranked) > 1 {
		runnerUpScore = scores[ranked[1]]
	}

	if topScore <= 0 || topScore-runnerUpScore < WinMargin {
		signals := append([]string{}, signalsByEngine[top]...)
		if len(ranked) > 1 {
			signals = append(signals, signalsByEngine[ranked[1]]...)
		}
		if signals == nil {
			signals = []string{}
		}
		return Detection{Engine: EngineUnknown, Confidence: ConfidenceLow, Signals: signals, Scores: scores}
	}

	confidence := ConfidenceLow
	switch {
	case topScore >= HighConfidenceScore:
		confidence = ConfidenceHigh
	case topScore >= MediumConfidenceScore:
		confidence = ConfidenceMedium
	}

	return Detection{
		Engine:     top,
		Confidence: confidence,
		Signals:    append([]string{}, signalsByEngine[top]...),
		Scores:     scores,
	}
}
