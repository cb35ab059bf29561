package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimantString(t *testing.T) {
	assert.Equal(t, "human:u-42:Ada Lovelace", HumanClaimant("u-42", "Ada Lovelace").String())
	assert.Equal(t, "agent:coder-abc123:coder", AgentClaimant("coder-abc123", "coder").String())
}

func TestParseClaimant(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *Claimant
		wantErr bool
	}{
		{
			name:  "human",
			input: "human:u-42:Ada Lovelace",
			want:  HumanClaimant("u-42", "Ada Lovelace"),
		},
		{
			name:  "agent",
			input: "agent:coder-abc123:coder",
			want:  AgentClaimant("coder-abc123", "coder"),
		},
		{
			name:  "trailing segment keeps its colons",
			input: "human:u-7:Dr. Strange: PhD",
			want:  HumanClaimant("u-7", "Dr. Strange: PhD"),
		},
		{
			name:    "too few segments",
			input:   "human:u-42",
			wantErr: true,
		},
		{
			name:    "unknown type",
			input:   "robot:r2:d2",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseClaimant(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClaimantRoundTrip(t *testing.T) {
	for _, c := range []*Claimant{
		HumanClaimant("u-1", "Grace"),
		AgentClaimant("tester-0f3a21", "tester"),
		HumanClaimant("u-9", "name:with:colons"),
	} {
		parsed, err := ParseClaimant(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
}
