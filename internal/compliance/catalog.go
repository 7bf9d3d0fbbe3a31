// Package compliance validates recommended actions against safety rules
// before anything is executed. The gate fails closed: an action is approved
// only when every rule passes, and every denial is written to the audit
// ledger before the verdict is returned.
package compliance

import "strings"

// Class describes the risk profile of an action type.
type Class struct {
	// Destructive actions are refused on critical nodes outside maintenance.
	Destructive bool `yaml:"destructive" json:"destructive"`
	// HighImpact actions may only run inside a maintenance window.
	HighImpact bool `yaml:"high_impact" json:"high_impact"`
	// RequiresApproval actions need an approval token in the context.
	RequiresApproval bool `yaml:"requires_approval" json:"requires_approval"`
	// PeakSensitive actions produce a warning during business hours.
	PeakSensitive bool `yaml:"peak_sensitive" json:"peak_sensitive"`
}

// Catalog maps action types to their class. Action types missing from the
// catalog are denied.
type Catalog map[string]Class

// DefaultCatalog returns the built-in action catalog.
func DefaultCatalog() Catalog {
	return Catalog{
		"restart_service":  {},
		"restart_node":     {Destructive: true, HighImpact: true, RequiresApproval: true, PeakSensitive: true},
		"restart_device":   {Destructive: true, HighImpact: true, RequiresApproval: true, PeakSensitive: true},
		"scale_up":         {},
		"scale_down":       {PeakSensitive: true},
		"failover":         {Destructive: true, HighImpact: true, RequiresApproval: true, PeakSensitive: true},
		"block_traffic":    {Destructive: true, RequiresApproval: true},
		"rate_limit":       {},
		"update_config":    {HighImpact: true, RequiresApproval: true},
		"clear_cache":      {},
		"notify":           {},
		"log_only":         {},
		"escalate":         {},
		"firmware_upgrade": {Destructive: true, HighImpact: true},
	}
}

// Lookup returns the class of actionType.
func (c Catalog) Lookup(actionType string) (Class, bool) {
	cls, ok := c[strings.ToLower(actionType)]
	return cls, ok
}

// Merge returns a copy of c with overrides applied.
func (c Catalog) Merge(overrides Catalog) Catalog {
	out := make(Catalog, len(c)+len(overrides))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range overrides {
		out[strings.ToLower(k)] = v
	}
	return out
}
