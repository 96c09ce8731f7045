package safety

import (
	"math"

	"github.com/stywzn/recon-orchestrator/internal/model"
)

var moduleNoise = map[model.Module]float64{
	model.ModuleOSINT:      1,
	model.ModuleCloud:      3,
	model.ModuleWeb:        4,
	model.ModuleActiveScan: 6,
}

var toolNoise = map[string]float64{
	"whois":          1,
	"subdomain_enum": 2,
	"cloud_enum":     3,
	"web_bruteforce": 5,
	"service_probe":  6,
	"port_scan":      6,
}

// NoiseScore scales the tool (or module) base linearly by aggressiveness, 5 being neutral.
func NoiseScore(module model.Module, tool string, aggressiveness int) float64 {
	base, ok := toolNoise[tool]
	if !ok {
		base, ok = moduleNoise[module]
		if !ok {
			base = 5
		}
	}
	s := base * float64(aggressiveness) / 5
	s = math.Max(0, math.Min(10, s))
	return math.Round(s*10) / 10
}
