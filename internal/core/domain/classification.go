package domain

import "fmt"

// Category is the triage bucket chosen by the classifier
type Category string

const (
	CategorySimple  Category = "SIMPLE"
	CategoryComplex Category = "COMPLEX"
	CategoryGeneral Category = "GENERAL"
)

// ParseCategory normalizes a category label.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategorySimple, CategoryComplex, CategoryGeneral:
		return Category(s), nil
	}
	switch s {
	case "simple", "Simple":
		return CategorySimple, nil
	case "complex", "Complex":
		return CategoryComplex, nil
	case "general", "General":
		return CategoryGeneral, nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Classification is the classifier output
type Classification struct {
	Category      Category `json:"category"`
	Confidence    float64  `json:"confidence"`
	Reasoning     string   `json:"reasoning"`
	KeyIndicators []string `json:"key_indicators"`
}
