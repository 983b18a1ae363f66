package templates

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// templateSchema is the CUE schema every decoded template is unified with
// before it enters the cache. Struct tags catch shape errors; the schema
// catches value-level mistakes (unknown API kinds, bad attribute types,
// capacity ratios out of range).
const templateSchema = `
#Attribute: {
	type:  "String" | "Numeric" | "Boolean"
	value: string
}

#NativeSpec: {
	inline?: _
	file?:   string
}

#Template: {
	templateId: string & !=""
	maxNumber:  int & >0
	providerApi: "instant-fleet" | "maintain-fleet" | "request-fleet" | "auto-scaling-group" | "direct-run"
	imageId?:          string
	instanceType?:     string
	subnetIds?:        [...string]
	securityGroupIds?: [...string]
	attributes?: {[string]: #Attribute}
	tags?:         {[string]: string}
	instanceTags?: {[string]: string}
	onDemandTargetCapacityRatio?: float & >=0 & <=1
	launchSpec?: #NativeSpec
	apiSpec?:    #NativeSpec
	variables?: {[string]: _}
	allowLegacyFallback?: bool
}
`

// schemaValidator validates templates against the compiled CUE schema.
type schemaValidator struct {
	ctx    *cue.Context
	schema cue.Value
	mu     sync.Mutex
}

// newSchemaValidator compiles the built-in template schema.
func newSchemaValidator() (*schemaValidator, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(templateSchema)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile template schema: %w", err)
	}
	return &schemaValidator{
		ctx:    ctx,
		schema: val.LookupPath(cue.ParsePath("#Template")),
	}, nil
}

// validate unifies the template with the schema and reports the first error.
func (sv *schemaValidator) validate(tpl *Template) error {
	// cue.Context is not safe for concurrent Encode calls on shared values.
	sv.mu.Lock()
	defer sv.mu.Unlock()

	data := sv.ctx.Encode(tpl)
	if err := data.Err(); err != nil {
		return fmt.Errorf("failed to encode template %s: %w", tpl.TemplateID, err)
	}

	unified := sv.schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("template %s failed schema validation: %w", tpl.TemplateID, err)
	}
	return nil
}
