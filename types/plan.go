package types

// PlanDescriptor describes a single entry in the plan catalog. Descriptors
// are created once at startup and never mutated afterwards.
type PlanDescriptor struct {
	ID                string            `json:"id" yaml:"id"`
	Profile           Profile           `json:"profile" yaml:"profile"`
	PlanFile          string            `json:"planFile" yaml:"plan_file"`
	DefaultParameters map[string]string `json:"defaultParameters,omitempty" yaml:"parameters,omitempty"`
}

// MergedParameters returns the plan's default parameters overlaid with the
// submission-time overrides. Neither input map is modified.
func (d PlanDescriptor) MergedParameters(overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(d.DefaultParameters)+len(overrides))
	for k, v := range d.DefaultParameters {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
