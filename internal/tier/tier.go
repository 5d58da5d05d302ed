// Package tier maps subscription tiers to their resource limits.
package tier

// Known tier names.
const (
	Free = "free"
	Pro  = "pro"
)

// Limits defines the resource ceilings for a subscription tier.
type Limits struct {
	MaxConnections int // max concurrently pooled runtime connections
}

// limits maps tier names to their ceilings. Unknown tiers get pro-like
// limits so a new server-side tier never locks a paying user down to one
// connection.
var limits = map[string]Limits{
	Free: {MaxConnections: 1},
	Pro:  {MaxConnections: 5},
}

// Known reports whether name is a recognized tier.
func Known(name string) bool {
	_, ok := limits[name]
	return ok
}

// GetLimits returns the limits for a tier, defaulting to pro when unknown.
func GetLimits(name string) Limits {
	if l, ok := limits[name]; ok {
		return l
	}
	return limits[Pro]
}
