package render

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"time"
)

// Context carries the per-request variables available to template
// expressions. Standard variables are always present; template-declared
// custom variables are merged on top and may not shadow a standard name.
type Context struct {
	// RequestID is the broker-assigned request identifier.
	RequestID string `json:"request_id"`

	// Count is the requested capacity.
	Count int `json:"count"`

	// MinCount and MaxCount bound the acceptable allocation.
	MinCount int `json:"min_count"`
	MaxCount int `json:"max_count"`

	// OnDemandCount and SpotCount split Count for fleet APIs.
	OnDemandCount int `json:"on_demand_count"`
	SpotCount     int `json:"spot_count"`

	// Timestamp is the request creation time.
	Timestamp time.Time `json:"timestamp"`

	// Tags are the request-level tags.
	Tags map[string]string `json:"tags,omitempty"`

	// Variables are the template-declared custom variables.
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// SplitCapacity divides count into on-demand and spot shares by the
// template's on-demand target ratio. The on-demand share rounds half up so
// the two shares always sum to count.
func SplitCapacity(count int, onDemandRatio float64) (onDemand, spot int) {
	onDemand = int(math.Round(float64(count) * onDemandRatio))
	if onDemand > count {
		onDemand = count
	}
	return onDemand, count - onDemand
}

// Hash returns the canonical hash of the context, used as part of the
// rendered-spec cache key. json.Marshal sorts map keys, so the encoding is
// stable for identical contents.
func (c Context) Hash() string {
	data, err := json.Marshal(c)
	if err != nil {
		// Context is plain data; Marshal cannot fail on it.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// vars flattens the context into the expression environment. Standard
// variables win over custom ones of the same name.
func (c Context) vars() map[string]interface{} {
	env := make(map[string]interface{}, len(c.Variables)+8)
	for k, v := range c.Variables {
		env[k] = v
	}

	tags := make(map[string]interface{}, len(c.Tags))
	for k, v := range c.Tags {
		tags[k] = v
	}

	env["request_id"] = c.RequestID
	env["count"] = c.Count
	env["min_count"] = c.MinCount
	env["max_count"] = c.MaxCount
	env["on_demand_count"] = c.OnDemandCount
	env["spot_count"] = c.SpotCount
	env["timestamp"] = c.Timestamp.UTC().Format(time.RFC3339)
	env["tags"] = tags
	return env
}
