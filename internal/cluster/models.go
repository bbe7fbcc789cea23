package cluster

import "strings"

// Quantization levels priced by the requirement table.
const (
	Quant4Bit = "4bit"
	Quant8Bit = "8bit"
	QuantFP16 = "fp16"
)

// ModelProfile is the resource footprint of one model size class:
// transformer layer count and weight memory per quantization level.
type ModelProfile struct {
	Layers   int                `json:"layers"`
	MemoryGB map[string]float64 `json:"memory_gb"`
}

// sizeOrder lists the size keys from largest to smallest. Two-digit sizes
// must come first so "13b" is not misread as "3b".
var sizeOrder = []string{"70b", "34b", "13b", "8b", "7b", "3b", "1b"}

// defaultSize is assumed for models whose name carries no known size.
const defaultSize = "7b"

// modelProfiles prices each size class. Layer counts follow the
// Llama-family architecture of that class.
var modelProfiles = map[string]ModelProfile{
	"70b": {Layers: 80, MemoryGB: map[string]float64{Quant4Bit: 35.0, Quant8Bit: 70.0, QuantFP16: 140.0}},
	"34b": {Layers: 48, MemoryGB: map[string]float64{Quant4Bit: 18.0, Quant8Bit: 34.0, QuantFP16: 68.0}},
	"13b": {Layers: 40, MemoryGB: map[string]float64{Quant4Bit: 7.5, Quant8Bit: 14.0, QuantFP16: 26.0}},
	"8b":  {Layers: 32, MemoryGB: map[string]float64{Quant4Bit: 4.5, Quant8Bit: 8.5, QuantFP16: 16.0}},
	"7b":  {Layers: 32, MemoryGB: map[string]float64{Quant4Bit: 4.0, Quant8Bit: 7.5, QuantFP16: 14.0}},
	"3b":  {Layers: 28, MemoryGB: map[string]float64{Quant4Bit: 2.2, Quant8Bit: 4.0, QuantFP16: 7.0}},
	"1b":  {Layers: 16, MemoryGB: map[string]float64{Quant4Bit: 1.0, Quant8Bit: 1.8, QuantFP16: 3.0}},
}

// Requirements resolves a model name to its footprint by size substring,
// returning the matched size key alongside so callers can report what was
// assumed. Unknown sizes fall back to the 7B profile.
func Requirements(model string) (ModelProfile, string) {
	name := strings.ToLower(model)
	for _, key := range sizeOrder {
		if strings.Contains(name, key) {
			return modelProfiles[key], key
		}
	}
	return modelProfiles[defaultSize], defaultSize
}

// MemoryFor returns the weight memory in GB a model needs at a
// quantization level.
func MemoryFor(model, quantization string) float64 {
	profile, _ := Requirements(model)
	return profile.MemoryGB[NormalizeQuant(quantization)]
}

// NormalizeQuant folds the quantization spellings seen in the wild onto
// the table's three levels. Empty means the common local default, 4-bit;
// anything unrecognized is priced as fp16 so admission errs high.
func NormalizeQuant(quantization string) string {
	switch strings.ToLower(strings.TrimSpace(quantization)) {
	case "", "4bit", "4-bit", "int4", "q4", "q4_0", "q4_k_m":
		return Quant4Bit
	case "8bit", "8-bit", "int8", "q8", "q8_0":
		return Quant8Bit
	case "fp16", "f16", "float16", "bf16", "half":
		return QuantFP16
	default:
		return QuantFP16
	}
}

// ModelRequirements describes what a model needs and whether this cluster
// can currently host it.
type ModelRequirements struct {
	Model     string             `json:"model"`
	SizeClass string             `json:"size_class"`
	Layers    int                `json:"layers"`
	MemoryGB  map[string]float64 `json:"memory_gb"`
	CanRun    bool               `json:"can_run"`
	Reason    string             `json:"reason,omitempty"`
}

// RequirementsFor reports the footprint entry for a model plus an
// admission verdict at the given quantization.
func (c *Cluster) RequirementsFor(model, quantization string) ModelRequirements {
	profile, matched := Requirements(model)
	ok, reason := c.CanRun(model, quantization)
	memory := make(map[string]float64, len(profile.MemoryGB))
	for q, gb := range profile.MemoryGB {
		memory[q] = gb
	}
	return ModelRequirements{
		Model:     model,
		SizeClass: matched,
		Layers:    profile.Layers,
		MemoryGB:  memory,
		CanRun:    ok,
		Reason:    reason,
	}
}
