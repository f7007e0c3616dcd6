package exitplan

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyVersion is the current policy blob schema version. Version 1 rows
// predate trailing rules; DecodePolicy migrates them with trailing disabled.
const PolicyVersion = 2

// RuntimeVersion is the current runtime blob schema version.
const RuntimeVersion = 1

// Rung is one take-profit step: scale out fraction at r_multiple.
type Rung struct {
	RMultiple float64 `json:"r_multiple" yaml:"r_multiple"`
	Fraction  float64 `json:"fraction" yaml:"fraction"`
}

// Trailing configures the trailing-stop rule.
type Trailing struct {
	Enabled  bool    `json:"enabled" yaml:"enabled"`
	Distance float64 `json:"distance" yaml:"distance"`
}

// Policy is the versioned exit policy blob.
type Policy struct {
	Version  int      `json:"version" yaml:"version"`
	HardStop float64  `json:"hard_stop" yaml:"hard_stop"`
	Rungs    []Rung   `json:"take_profit_rungs" yaml:"take_profit_rungs"`
	Trailing Trailing `json:"trailing" yaml:"trailing"`
}

// Runtime is the versioned runtime blob: the live numbers for one plan.
// MFE/MAE are best/worst unrealized PnL in account currency.
type Runtime struct {
	Version         int     `json:"version"`
	Direction       string  `json:"direction"` // "long" | "short"
	EntryPrice      float64 `json:"entry_price"`
	CurrentStop     float64 `json:"current_stop"`
	Shares          float64 `json:"shares"`
	SharesRemaining float64 `json:"shares_remaining"`
	MFE             float64 `json:"mfe_pnl"`
	MAE             float64 `json:"mae_pnl"`
	HoldSeconds     int64   `json:"hold_seconds"`
	FiredRungs      []int   `json:"fired_rungs,omitempty"`
	ExitPrice       float64 `json:"exit_price,omitempty"`
	RealizedPnL     float64 `json:"realized_pnl,omitempty"`
	RealizedR       float64 `json:"realized_r,omitempty"`
	Giveback        float64 `json:"giveback,omitempty"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() Policy {
	return Policy{
		Version: PolicyVersion,
		Rungs: []Rung{
			{RMultiple: 1.0, Fraction: 0.5},
			{RMultiple: 2.0, Fraction: 0.5},
		},
		Trailing: Trailing{Enabled: false},
	}
}

// LoadPolicyFile reads the default exit policy template from a YAML file.
func LoadPolicyFile(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	pol := DefaultPolicy()
	if err := yaml.Unmarshal(raw, &pol); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	pol = migratePolicy(pol)
	return pol, nil
}

// DecodePolicy deserializes a stored policy blob defensively: unknown fields
// are ignored, missing fields keep zero values, and old versions are
// migrated forward.
func DecodePolicy(raw string) (Policy, error) {
	var pol Policy
	if err := json.Unmarshal([]byte(raw), &pol); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	return migratePolicy(pol), nil
}

func migratePolicy(pol Policy) Policy {
	switch pol.Version {
	case 0, 1:
		// v1 rows predate trailing rules; trailing stays disabled.
		pol.Trailing.Enabled = false
		pol.Version = PolicyVersion
	}
	return pol
}

// DecodeRuntime deserializes a stored runtime blob defensively.
func DecodeRuntime(raw string) (Runtime, error) {
	var rt Runtime
	if err := json.Unmarshal([]byte(raw), &rt); err != nil {
		return Runtime{}, fmt.Errorf("decode runtime: %w", err)
	}
	if rt.Version == 0 {
		rt.Version = RuntimeVersion
	}
	return rt, nil
}

func encodePolicy(pol Policy) (string, error) {
	b, err := json.Marshal(pol)
	if err != nil {
		return "", fmt.Errorf("encode policy: %w", err)
	}
	return string(b), nil
}

func encodeRuntime(rt Runtime) (string, error) {
	b, err := json.Marshal(rt)
	if err != nil {
		return "", fmt.Errorf("encode runtime: %w", err)
	}
	return string(b), nil
}

// RuntimePatch is a partial runtime update; nil fields are left untouched.
type RuntimePatch struct {
	CurrentStop     *float64 `json:"current_stop,omitempty"`
	MFE             *float64 `json:"mfe_pnl,omitempty"`
	MAE             *float64 `json:"mae_pnl,omitempty"`
	HoldSeconds     *int64   `json:"hold_seconds,omitempty"`
	SharesRemaining *float64 `json:"shares_remaining,omitempty"`
	FiredRungs      []int    `json:"fired_rungs,omitempty"`
}

// PolicyPatch is a partial policy update; nil fields are left untouched.
type PolicyPatch struct {
	HardStop *float64  `json:"hard_stop,omitempty"`
	Rungs    []Rung    `json:"take_profit_rungs,omitempty"`
	Trailing *Trailing `json:"trailing,omitempty"`
}
