package validator

// BuiltinPolicies returns the policies every deployment evaluates, before any
// external policy directories are loaded.
func BuiltinPolicies() []Policy {
	return []Policy{
		environmentConsistencyPolicy(),
		managementPathPolicy(),
		productionFirmwarePolicy(),
	}
}

// environmentConsistencyPolicy rejects plans that span environments unless the
// cross-environment override is set on the request.
func environmentConsistencyPolicy() Policy {
	return Policy{
		Name:        "environment-consistency",
		Description: "All targeted devices must share one environment tag unless cross-environment is explicitly permitted",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"environment", "blast-radius"},
		Rego: `package netward.policies.environment

import rego.v1

deny contains violation if {
	not input.allow_cross_environment
	envs := {e | some id; e := input.devices[id].environment}
	count(envs) > 1
	violation := {
		"message": sprintf("plan targets devices in multiple environments %v; set the cross-environment override to permit this", [sort([e | some e in envs])]),
		"severity": "error",
	}
}
`,
	}
}

// managementPathPolicy rejects any change whose desired state references the
// target device's own management address. Cutting the management path strands
// the device mid-apply with no way to roll back.
func managementPathPolicy() Policy {
	return Policy{
		Name:        "protected-management-path",
		Description: "No change may reference the target device's management address",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "management-path"},
		Rego: `package netward.policies.management

import rego.v1

deny contains violation if {
	some change in input.plan.changes
	device := input.devices[change.device_id]
	walk(change.after, [_, value])
	value == device.address
	violation := {
		"message": sprintf("change on device %s references its management address %s", [change.device_id, device.address]),
		"severity": "critical",
		"device": change.device_id,
	}
}
`,
	}
}

// productionFirmwarePolicy warns on firmware updates against production
// devices. Warning only: operators schedule these deliberately and the plan
// risk rating already surfaces them as high.
func productionFirmwarePolicy() Policy {
	return Policy{
		Name:        "production-firmware",
		Description: "Firmware updates on production devices are flagged for operator attention",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"firmware", "production"},
		Rego: `package netward.policies.firmware

import rego.v1

deny contains violation if {
	some change in input.plan.changes
	change.kind == "update-firmware"
	input.devices[change.device_id].environment == "production"
	violation := {
		"message": sprintf("firmware update targets production device %s", [change.device_id]),
		"severity": "warning",
		"device": change.device_id,
	}
}
`,
	}
}
