// Package templates loads, validates, and caches the abstract resource
// templates that requests are provisioned from. Templates come from a YAML
// (or JSON) file and may be overlaid with remote parameter-store overrides.
package templates

import (
	"encoding/json"
	"fmt"
)

// APIKind enumerates the provider APIs a template can target.
type APIKind string

const (
	// APIInstantFleet is a one-shot fleet request that returns instances synchronously.
	APIInstantFleet APIKind = "instant-fleet"

	// APIMaintainFleet is a fleet that maintains target capacity over time.
	APIMaintainFleet APIKind = "maintain-fleet"

	// APIRequestFleet is an asynchronous spot-style fleet request.
	APIRequestFleet APIKind = "request-fleet"

	// APIAutoScalingGroup provisions capacity by resizing a scaling group.
	APIAutoScalingGroup APIKind = "auto-scaling-group"

	// APIDirectRun launches instances directly without a fleet wrapper.
	APIDirectRun APIKind = "direct-run"
)

// Valid reports whether the API kind is one of the enumerated values.
func (k APIKind) Valid() bool {
	switch k {
	case APIInstantFleet, APIMaintainFleet, APIRequestFleet, APIAutoScalingGroup, APIDirectRun:
		return true
	}
	return false
}

// AttributeType enumerates the allowed attribute value types.
type AttributeType string

const (
	AttributeString  AttributeType = "String"
	AttributeNumeric AttributeType = "Numeric"
	AttributeBoolean AttributeType = "Boolean"
)

// Attribute is a typed key value advertised by a template, reported back to
// the workload scheduler as machine properties.
type Attribute struct {
	Type  AttributeType `json:"type" yaml:"type"`
	Value string        `json:"value" yaml:"value"`
}

// UnmarshalYAML accepts both the map form {type, value} and the compact
// two-element list form [type, value] used by scheduler integrations.
func (a *Attribute) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var pair []string
	if err := unmarshal(&pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("attribute list form must have exactly 2 elements, got %d", len(pair))
		}
		a.Type = AttributeType(pair[0])
		a.Value = pair[1]
		return nil
	}

	var obj struct {
		Type  AttributeType `yaml:"type"`
		Value string        `yaml:"value"`
	}
	if err := unmarshal(&obj); err != nil {
		return err
	}
	a.Type = obj.Type
	a.Value = obj.Value
	return nil
}

// NativeSpec is a provider-API-shaped payload fragment, either inline or
// referenced by file path relative to the renderer's base directory.
// Inline and File are mutually exclusive.
type NativeSpec struct {
	Inline json.RawMessage `json:"inline,omitempty" yaml:"inline,omitempty"`
	File   string          `json:"file,omitempty" yaml:"file,omitempty"`
}

// IsZero reports whether neither form is set.
func (n NativeSpec) IsZero() bool {
	return len(n.Inline) == 0 && n.File == ""
}

// UnmarshalYAML decodes the inline form (arbitrary YAML mapping re-encoded
// as JSON) or the {file: path} form.
func (n *NativeSpec) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var ref struct {
		File   string      `yaml:"file"`
		Inline interface{} `yaml:"inline"`
	}
	if err := unmarshal(&ref); err != nil {
		return err
	}
	n.File = ref.File
	if ref.Inline != nil {
		data, err := json.Marshal(normalizeYAML(ref.Inline))
		if err != nil {
			return fmt.Errorf("failed to encode inline spec: %w", err)
		}
		n.Inline = data
	}
	return nil
}

// normalizeYAML converts map[interface{}]interface{} trees produced by YAML
// decoding into map[string]interface{} so they can be JSON-encoded.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}

// Template is the named, reusable definition of a compute unit's shape and
// provisioning API. A resolved template is immutable; overrides produce a
// copy.
type Template struct {
	// TemplateID is the unique template identifier.
	TemplateID string `json:"templateId" yaml:"templateId" validate:"required"`

	// MaxNumber is the maximum instance count this template may provision.
	MaxNumber int `json:"maxNumber" yaml:"maxNumber" validate:"gt=0"`

	// ProviderAPI selects the provider API used to fulfil requests.
	ProviderAPI APIKind `json:"providerApi" yaml:"providerApi" validate:"required"`

	// ImageID identifies the machine image to launch.
	ImageID string `json:"imageId,omitempty" yaml:"imageId"`

	// InstanceType is the compute shape to launch.
	InstanceType string `json:"instanceType,omitempty" yaml:"instanceType"`

	// SubnetIDs is the network placement for launched instances.
	SubnetIDs []string `json:"subnetIds,omitempty" yaml:"subnetIds"`

	// SecurityGroupIDs are attached to launched instances.
	SecurityGroupIDs []string `json:"securityGroupIds,omitempty" yaml:"securityGroupIds"`

	// Attributes are typed key values reported to the scheduler.
	Attributes map[string]Attribute `json:"attributes,omitempty" yaml:"attributes"`

	// Tags are applied to the provider request.
	Tags map[string]string `json:"tags,omitempty" yaml:"tags"`

	// InstanceTags are applied to each launched instance.
	InstanceTags map[string]string `json:"instanceTags,omitempty" yaml:"instanceTags"`

	// OnDemandTargetCapacityRatio splits requested capacity between
	// on-demand and spot for fleet APIs (0.0 = all spot, 1.0 = all on-demand).
	OnDemandTargetCapacityRatio float64 `json:"onDemandTargetCapacityRatio,omitempty" yaml:"onDemandTargetCapacityRatio" validate:"gte=0,lte=1"`

	// LaunchSpec is the native launch-configuration fragment.
	LaunchSpec NativeSpec `json:"launchSpec,omitempty" yaml:"launchSpec"`

	// APISpec is the native provider-API parameter fragment.
	APISpec NativeSpec `json:"apiSpec,omitempty" yaml:"apiSpec"`

	// Variables are template-declared custom variables available to the
	// renderer in addition to the standard request context.
	Variables map[string]interface{} `json:"variables,omitempty" yaml:"variables"`

	// AllowLegacyFallback permits the broker to fall back to the canonical
	// non-templated payload when rendering fails on an undefined variable.
	AllowLegacyFallback bool `json:"allowLegacyFallback,omitempty" yaml:"allowLegacyFallback"`
}

// Clone returns a deep copy of the template.
func (t *Template) Clone() *Template {
	cp := *t
	cp.SubnetIDs = append([]string(nil), t.SubnetIDs...)
	cp.SecurityGroupIDs = append([]string(nil), t.SecurityGroupIDs...)
	cp.Attributes = make(map[string]Attribute, len(t.Attributes))
	for k, v := range t.Attributes {
		cp.Attributes[k] = v
	}
	cp.Tags = make(map[string]string, len(t.Tags))
	for k, v := range t.Tags {
		cp.Tags[k] = v
	}
	cp.InstanceTags = make(map[string]string, len(t.InstanceTags))
	for k, v := range t.InstanceTags {
		cp.InstanceTags[k] = v
	}
	cp.Variables = make(map[string]interface{}, len(t.Variables))
	for k, v := range t.Variables {
		cp.Variables[k] = v
	}
	cp.LaunchSpec.Inline = append(json.RawMessage(nil), t.LaunchSpec.Inline...)
	cp.APISpec.Inline = append(json.RawMessage(nil), t.APISpec.Inline...)
	return &cp
}

// File is the on-disk template document: an array of template objects.
type File struct {
	Templates []Template `json:"templates" yaml:"templates"`
}
