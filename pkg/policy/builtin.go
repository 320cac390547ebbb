package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		{
			Name:        "tier-region-availability",
			Description: "Deny placement on servers outside the tier's published region list",
			Enabled:     true,
			Source: `package atelier.placement

deny contains msg if {
	count(input.tier.regions) > 0
	not region_listed
	msg := sprintf("tier %s is not offered in region %s", [input.tier.name, input.server.region])
}

region_listed if {
	some region in input.tier.regions
	region == input.server.region
}
`,
		},
		{
			Name:        "gpu-type-match",
			Description: "Deny GPU tiers on servers whose GPU model differs from the tier's",
			Enabled:     true,
			Source: `package atelier.placement

deny contains msg if {
	input.tier.gpu_count > 0
	input.server.gpu_type != ""
	input.server.gpu_type != input.tier.gpu_type
	msg := sprintf("tier %s needs gpu %s but server %s has %s", [input.tier.name, input.tier.gpu_type, input.server.id, input.server.gpu_type])
}
`,
		},
	}
}
