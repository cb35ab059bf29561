// Package router maps a claim to an agent archetype and capability tier.
// An optional external advisor subprocess gets first say; a deterministic
// heuristic covers the rest. Routing never fails: the worst case is the
// default coder/sonnet result.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/crewdeck/crewdeck/pkg/models"
)

// Capability tiers, ordered by capability and cost.
const (
	TierHaiku  = "haiku"
	TierSonnet = "sonnet"
	TierOpus   = "opus"
)

// advisorTimeout bounds one advisor invocation. A slow advisor is treated
// like a broken one.
const advisorTimeout = 10 * time.Second

// RoutingResult is the router's answer for one claim.
type RoutingResult struct {
	AgentType  string  `json:"agentType"`
	ModelTier  string  `json:"modelTier"`
	UseBooster bool    `json:"useBooster"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// TaskRouter routes claims. Safe for concurrent use.
type TaskRouter struct {
	// advisorCmd is the advisor executable; empty disables the advisor.
	advisorCmd string

	// advisorDown latches after the first advisor failure so later routes
	// skip straight to the heuristic.
	advisorDown atomic.Bool

	// runAdvisor is swapped out by tests.
	runAdvisor func(ctx context.Context, input []byte) ([]byte, error)
}

// New creates a router. advisorCmd may be empty to route heuristically only.
func New(advisorCmd string) *TaskRouter {
	r := &TaskRouter{advisorCmd: advisorCmd}
	r.runAdvisor = r.execAdvisor
	return r
}

// advisorResult is the JSON the advisor subprocess prints.
type advisorResult struct {
	AgentType string `json:"agentType"`
	ModelTier string `json:"modelTier"`
	Reasoning string `json:"reasoning"`
}

// archetypeSynonyms normalizes advisor archetype strings.
var archetypeSynonyms = map[string]string{
	"developer":  "coder",
	"programmer": "coder",
	"engineer":   "coder",
	"qa":         "tester",
	"analyst":    "researcher",
}

// tierSynonyms normalizes advisor tier strings.
var tierSynonyms = map[string]string{
	"fast":     TierHaiku,
	"cheap":    TierHaiku,
	"standard": TierSonnet,
	"premium":  TierOpus,
	"complex":  TierOpus,
}

// labelArchetypes maps claim labels to archetypes; label matches beat title
// patterns.
var labelArchetypes = map[string]string{
	"testing":       "tester",
	"test":          "tester",
	"research":      "researcher",
	"investigation": "researcher",
	"review":        "reviewer",
	"architecture":  "architect",
	"design":        "architect",
	"bug":           "coder",
	"feature":       "coder",
}

// titlePatterns is the ordered fallback list; first match wins.
var titlePatterns = []struct {
	pattern   *regexp.Regexp
	archetype string
}{
	{regexp.MustCompile(`(?i)\b(test|tests|testing|coverage)\b`), "tester"},
	{regexp.MustCompile(`(?i)\b(research|investigate|explore|spike)\b`), "researcher"},
	{regexp.MustCompile(`(?i)\b(review|audit)\b`), "reviewer"},
	{regexp.MustCompile(`(?i)\b(architecture|architect|redesign|refactor)\b`), "architect"},
	{regexp.MustCompile(`(?i)\b(document|docs|readme)\b`), "coder"},
}

// complexityPattern upgrades the tier to opus when it matches the combined
// title, description, and labels.
var complexityPattern = regexp.MustCompile(`(?i)security|performance|architect|critical|breaking|migration`)

// Route maps one claim to an archetype and tier. It never returns an error.
func (r *TaskRouter) Route(ctx context.Context, claim *models.Claim) RoutingResult {
	if result, ok := r.routeViaAdvisor(ctx, claim); ok {
		return result
	}
	return r.routeHeuristically(claim)
}

// routeViaAdvisor asks the external advisor, if it is configured and has not
// failed before.
func (r *TaskRouter) routeViaAdvisor(ctx context.Context, claim *models.Claim) (RoutingResult, bool) {
	if r.advisorCmd == "" || r.advisorDown.Load() {
		return RoutingResult{}, false
	}

	input, err := json.Marshal(map[string]any{
		"title":       claim.Title,
		"description": claim.Description,
		"labels":      claim.Labels,
	})
	if err != nil {
		return RoutingResult{}, false
	}

	advisorCtx, cancel := context.WithTimeout(ctx, advisorTimeout)
	defer cancel()
	out, err := r.runAdvisor(advisorCtx, input)
	if err != nil {
		// One failure disables the advisor for the process lifetime.
		r.advisorDown.Store(true)
		slog.Warn("Routing advisor failed, disabled for this run", "error", err)
		return RoutingResult{}, false
	}

	var parsed advisorResult
	if err := json.Unmarshal(out, &parsed); err != nil {
		r.advisorDown.Store(true)
		slog.Warn("Routing advisor returned invalid JSON, disabled for this run", "error", err)
		return RoutingResult{}, false
	}

	archetype := normalizeArchetype(parsed.AgentType)
	tier := normalizeTier(parsed.ModelTier)
	reasoning := parsed.Reasoning
	if reasoning == "" {
		reasoning = "advisor recommendation"
	}
	return RoutingResult{
		AgentType:  archetype,
		ModelTier:  tier,
		UseBooster: tier == TierOpus,
		Confidence: 0.7,
		Reasoning:  reasoning,
	}, true
}

func (r *TaskRouter) execAdvisor(ctx context.Context, input []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.advisorCmd)
	cmd.Stdin = strings.NewReader(string(input))
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("run advisor %s: %w", r.advisorCmd, err)
	}
	return out, nil
}

// routeHeuristically is the deterministic fallback: labels first, then title
// patterns, then the coder default. The tier floor is sonnet; haiku cannot
// drive tool-using workers.
func (r *TaskRouter) routeHeuristically(claim *models.Claim) RoutingResult {
	archetype := ""
	confidence := 0.5
	var reasons []string

	for _, label := range claim.Labels {
		if a, ok := labelArchetypes[strings.ToLower(label)]; ok {
			archetype = a
			confidence = 0.7
			reasons = append(reasons, "label "+label+" maps to "+a)
			break
		}
	}

	if archetype == "" {
		for _, tp := range titlePatterns {
			if tp.pattern.MatchString(claim.Title) {
				archetype = tp.archetype
				confidence = 0.6
				reasons = append(reasons, "title matches "+tp.pattern.String())
				break
			}
		}
	}

	if archetype == "" {
		archetype = "coder"
		reasons = append(reasons, "default archetype")
	}

	tier := TierSonnet
	combined := claim.Title + " " + claim.Description + " " + strings.Join(claim.Labels, " ")
	if complexityPattern.MatchString(combined) {
		tier = TierOpus
		reasons = append(reasons, "high-complexity match upgrades tier to opus")
	}

	return RoutingResult{
		AgentType:  archetype,
		ModelTier:  tier,
		UseBooster: tier == TierOpus,
		Confidence: confidence,
		Reasoning:  strings.Join(reasons, "; "),
	}
}

func normalizeArchetype(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if mapped, ok := archetypeSynonyms[s]; ok {
		return mapped
	}
	if s == "" {
		return "coder"
	}
	return s
}

func normalizeTier(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if mapped, ok := tierSynonyms[s]; ok {
		return mapped
	}
	switch s {
	case TierHaiku, TierSonnet, TierOpus:
		return s
	}
	return TierSonnet
}
