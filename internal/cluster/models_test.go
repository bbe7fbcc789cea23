package cluster

import "testing"

func TestRequirementsMatchesSizeClass(t *testing.T) {
	tests := []struct {
		model      string
		wantSize   string
		wantLayers int
	}{
		{"llama-70b", "70b", 80},
		{"llama-3-70b-instruct", "70b", 80},
		{"codellama-34b", "34b", 48},
		{"llama-13b", "13b", 40},
		{"Mistral-7B-Instruct-v0.2", "7b", 32},
		{"llama-3.1-8b", "8b", 32},
		{"phi-3b-mini", "3b", 28},
		{"tinyllama-1b-chat", "1b", 16},
		{"qwen-coder", "7b", 32}, // no size marker falls back to the 7b class
	}
	for _, tt := range tests {
		profile, size := Requirements(tt.model)
		if size != tt.wantSize {
			t.Errorf("Requirements(%q) size = %q, want %q", tt.model, size, tt.wantSize)
		}
		if profile.Layers != tt.wantLayers {
			t.Errorf("Requirements(%q) layers = %d, want %d", tt.model, profile.Layers, tt.wantLayers)
		}
	}
}

func TestMemoryFor(t *testing.T) {
	tests := []struct {
		model string
		quant string
		want  float64
	}{
		{"llama-70b", "4bit", 35.0},
		{"llama-70b", "fp16", 140.0},
		{"mistral-7b", "4bit", 4.0},
		{"mistral-7b", "", 4.0},
		{"llama-13b", "int8", 14.0},
		{"llama-3.1-8b", "q4_k_m", 4.5},
	}
	for _, tt := range tests {
		if got := MemoryFor(tt.model, tt.quant); got != tt.want {
			t.Errorf("MemoryFor(%q, %q) = %.1f, want %.1f", tt.model, tt.quant, got, tt.want)
		}
	}
}

func TestNormalizeQuant(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", Quant4Bit},
		{"4bit", Quant4Bit},
		{"int4", Quant4Bit},
		{"Q4_0", Quant4Bit},
		{"q4_k_m", Quant4Bit},
		{"4-bit", Quant4Bit},
		{"8bit", Quant8Bit},
		{"int8", Quant8Bit},
		{"q8_0", Quant8Bit},
		{"fp16", QuantFP16},
		{"float16", QuantFP16},
		{"BF16", QuantFP16},
		{"mystery", QuantFP16}, // unknown quants assume the largest footprint
	}
	for _, tt := range tests {
		if got := NormalizeQuant(tt.in); got != tt.want {
			t.Errorf("NormalizeQuant(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
