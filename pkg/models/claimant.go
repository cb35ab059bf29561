package models

import (
	"fmt"
	"strings"
)

// ClaimantType discriminates the two claimant variants.
type ClaimantType string

// Claimant variants.
const (
	ClaimantHuman ClaimantType = "human"
	ClaimantAgent ClaimantType = "agent"
)

// Claimant is whoever currently holds a claim: a human user or a spawned
// agent. The Type field selects which of the remaining fields are meaningful.
type Claimant struct {
	Type ClaimantType `json:"type"`

	// Human fields.
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`

	// Agent fields.
	AgentID   string `json:"agentId,omitempty"`
	AgentType string `json:"agentType,omitempty"`
}

// HumanClaimant builds a human claimant.
func HumanClaimant(userID, name string) *Claimant {
	return &Claimant{Type: ClaimantHuman, UserID: userID, Name: name}
}

// AgentClaimant builds an agent claimant.
func AgentClaimant(agentID, agentType string) *Claimant {
	return &Claimant{Type: ClaimantAgent, AgentID: agentID, AgentType: agentType}
}

// String encodes the claimant in its compact wire form:
// "human:<userId>:<name>" or "agent:<agentId>:<agentType>".
func (c *Claimant) String() string {
	switch c.Type {
	case ClaimantHuman:
		return fmt.Sprintf("human:%s:%s", c.UserID, c.Name)
	case ClaimantAgent:
		return fmt.Sprintf("agent:%s:%s", c.AgentID, c.AgentType)
	}
	return ""
}

// ParseClaimant decodes the compact claimant encoding produced by String.
// The trailing segment may itself contain colons (human names), so only the
// first two separators split fields.
func ParseClaimant(s string) (*Claimant, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid claimant encoding %q", s)
	}
	switch ClaimantType(parts[0]) {
	case ClaimantHuman:
		return HumanClaimant(parts[1], parts[2]), nil
	case ClaimantAgent:
		return AgentClaimant(parts[1], parts[2]), nil
	}
	return nil, fmt.Errorf("unknown claimant type %q", parts[0])
}
