package scanner

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultQuant is assumed for .gguf files whose name carries no quantization.
const DefaultQuant = "F16"

var (
	paramPattern   = regexp.MustCompile(`(?i)(?:^|[-_. ])((?:\d+x)?\d+(?:\.\d+)?)b(?:$|[-_. ])`)
	quantPattern   = regexp.MustCompile(`(?i)(?:^|[-_. ])(I?Q\d+(?:_[A-Z0-9]+)*|BF16|F16|F32)(?:$|[-_. ])`)
	contextPattern = regexp.MustCompile(`(?i)(?:^|[-_. ])(\d+)k(?:$|[-_. ])`)
)

// ParameterHint extracts a parameter count such as "8B", "0.5B" or "8x7B".
func ParameterHint(name string) string {
	m := paramPattern.FindStringSubmatch(stem(name))
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1]) + "B"
}

// QuantFromName extracts a quantization code such as "Q4_K_M", "IQ2_XS" or
// "BF16", falling back to DefaultQuant.
func QuantFromName(name string) string {
	m := quantPattern.FindStringSubmatch(stem(name))
	if m == nil {
		return DefaultQuant
	}
	return strings.ToUpper(m[1])
}

// ContextHint extracts "<n>k" as a token count in thousands ("32k" -> 32000).
func ContextHint(name string) int {
	m := contextPattern.FindStringSubmatch(stem(name))
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n * 1000
}

// fileTypeQuant maps general.file_type to llama.cpp quantization names.
var fileTypeQuant = map[int]string{
	0:  "F32",
	1:  "F16",
	2:  "Q4_0",
	3:  "Q4_1",
	7:  "Q8_0",
	8:  "Q5_0",
	9:  "Q5_1",
	10: "Q2_K",
	11: "Q3_K_S",
	12: "Q3_K_M",
	13: "Q3_K_L",
	14: "Q4_K_S",
	15: "Q4_K_M",
	16: "Q5_K_S",
	17: "Q5_K_M",
	18: "Q6_K",
	19: "IQ2_XXS",
	20: "IQ2_XS",
	21: "Q2_K_S",
	22: "IQ3_XS",
	23: "IQ3_XXS",
	24: "IQ1_S",
	25: "IQ4_NL",
	26: "IQ3_S",
	27: "IQ3_M",
	28: "IQ2_S",
	29: "IQ2_M",
	30: "IQ4_XS",
	31: "IQ1_M",
	32: "BF16",
}

// QuantFromFileType names a general.file_type code, if known.
func QuantFromFileType(ft int) (string, bool) {
	q, ok := fileTypeQuant[ft]
	return q, ok
}

// stem strips the extension and any split suffix.
func stem(name string) string {
	name = splitSuffix.ReplaceAllString(name, "")
	return strings.TrimSuffix(strings.TrimSuffix(name, ".gguf"), ".GGUF")
}

var splitSuffix = regexp.MustCompile(`-\d{5}-of-\d{5}\.gguf$`)
