package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		componentNamingPolicy(),
		referencePropertyPolicy(),
		infrastructureIsolationPolicy(),
	}
}

// componentNamingPolicy enforces component naming conventions.
func componentNamingPolicy() Policy {
	return Policy{
		Name:        "component-naming",
		Description: "Enforces component naming conventions (lowercase, alphanumeric, hyphens only)",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package openmast.policies.naming

import rego.v1

deny contains violation if {
	input.component
	not input.component.name
	violation := {
		"message": "Component must have a name",
		"severity": "error",
	}
}

deny contains violation if {
	input.component
	name := input.component.name
	lower(name) != name
	violation := {
		"message": sprintf("Component name '%s' must be lowercase", [name]),
		"severity": "error",
		"component": name,
	}
}

deny contains violation if {
	input.component
	name := input.component.name
	not regex.match("^[a-z0-9-]+$", name)
	violation := {
		"message": sprintf("Component name '%s' must contain only lowercase letters, numbers, and hyphens", [name]),
		"severity": "error",
		"component": name,
	}
}

deny contains violation if {
	input.component
	name := input.component.name
	regex.match("^-|-$", name)
	violation := {
		"message": sprintf("Component name '%s' must not start or end with a hyphen", [name]),
		"severity": "error",
		"component": name,
	}
}
`,
	}
}

// referencePropertyPolicy requires reference-bearing properties to be
// component names, not inline connection objects.
func referencePropertyPolicy() Policy {
	return Policy{
		Name:        "reference-properties",
		Description: "Reference-bearing properties must name components, not carry inline values",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"references", "hygiene"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package openmast.policies.references

import rego.v1

reference_properties := {"cache", "database", "identity", "queue", "realtime", "gateway"}

deny contains violation if {
	input.component
	some prop in reference_properties
	value := input.component.properties[prop]
	not is_string(value)
	violation := {
		"message": sprintf("Property '%s' on component '%s' must be a component name", [prop, input.component.name]),
		"severity": "error",
		"component": input.component.name,
	}
}
`,
	}
}

// infrastructureIsolationPolicy forbids infrastructure components from
// declaring references of their own.
func infrastructureIsolationPolicy() Policy {
	return Policy{
		Name:        "infrastructure-isolation",
		Description: "Infrastructural components must not reference other components",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"tiers", "references"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package openmast.policies.isolation

import rego.v1

reference_properties := {"cache", "database", "identity", "queue", "realtime", "gateway"}

deny contains violation if {
	input.tier == "infrastructural"
	some prop in reference_properties
	input.component.properties[prop]
	violation := {
		"message": sprintf("Infrastructural component '%s' must not declare reference property '%s'", [input.component.name, prop]),
		"severity": "error",
		"component": input.component.name,
	}
}
`,
	}
}
