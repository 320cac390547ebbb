package specs

// fallbackCatalog returns the built-in tier table served when the catalog
// service has never been reachable. It covers one ARM, one x86, and one GPU
// tier so placement stays partially functional with the catalog down.
func fallbackCatalog() map[string]HardwareSpec {
	return map[string]HardwareSpec{
		"basic_x86": {
			Tier:          "basic_x86",
			DisplayName:   "Basic (x86)",
			Architecture:  "x86_64",
			VCPU:          2,
			MemoryMB:      4096,
			StorageGB:     20,
			BandwidthMbps: 100,
			HourlyRate:    0.05,
			Available:     true,
		},
		"pro_arm": {
			Tier:          "pro_arm",
			DisplayName:   "Pro (ARM)",
			Architecture:  "arm64",
			VCPU:          4,
			MemoryMB:      8192,
			StorageGB:     40,
			BandwidthMbps: 200,
			HourlyRate:    0.08,
			Available:     true,
		},
		"gpu_a10": {
			Tier:          "gpu_a10",
			DisplayName:   "GPU (A10)",
			Architecture:  "x86_64",
			VCPU:          8,
			MemoryMB:      32768,
			GPUType:       "a10",
			GPUCount:      1,
			StorageGB:     100,
			BandwidthMbps: 400,
			HourlyRate:    0.90,
			Available:     true,
		},
	}
}
