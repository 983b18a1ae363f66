package policy

import "time"

// GetBuiltinPolicies returns the policies compiled into the broker.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		capacityBoundsPolicy(),
	}
}

// capacityBoundsPolicy enforces the template's capacity ceiling and a
// positive requested count.
func capacityBoundsPolicy() Policy {
	return Policy{
		Name:        "capacity-bounds",
		Description: "Denies requests with a non-positive count or a count above the template's maxNumber",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"admission", "capacity"},
		CreatedAt:   time.Now(),
		Rego: `package fleetbroker.policies.capacity

import rego.v1

deny contains violation if {
	input.kind == "provision"
	input.count <= 0
	violation := {
		"message": sprintf("requested count %d must be positive", [input.count]),
		"severity": "error",
	}
}

deny contains violation if {
	input.kind == "provision"
	input.max_number > 0
	input.count > input.max_number
	violation := {
		"message": sprintf("requested count %d exceeds template %s capacity %d",
			[input.count, input.template_id, input.max_number]),
		"severity": "error",
	}
}

deny contains violation if {
	input.kind == "return"
	input.count <= 0
	violation := {
		"message": "return request names no machines",
		"severity": "error",
	}
}`,
	}
}
