package catalog

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

const (
	labelDelimiter   = "___"
	storedDelimiter  = "__"
	classifierPepper = "Pepper,_bell"
	storedPepper     = "Pepper__bell"
)

// parenthetical matches qualifiers such as "_(maize)" or "(including_sour)"
var parenthetical = regexp.MustCompile(`_?\([^)]+\)`)

// NormalizeLabel rewrites a classifier label into the form stored in the
// catalog: "Corn_(maize)___Common_rust_" becomes "Corn___Common_rust_" and
// "Pepper,_bell___Bacterial_spot" becomes "Pepper__bell___Bacterial_spot".
func NormalizeLabel(label string) string {
	normalized := strings.ReplaceAll(label, classifierPepper, storedPepper)
	normalized = parenthetical.ReplaceAllString(normalized, "")
	return strings.TrimSpace(normalized)
}

// ExtractPlantName returns the plant part of a taxonomy label, for example
// "Tomato" for "Tomato___healthy" and "Cherry" for
// "Cherry_(including_sour)___Powdery_mildew".
func ExtractPlantName(label string) string {
	if label == "" {
		return ""
	}

	plant := label
	if head, _, found := strings.Cut(label, labelDelimiter); found {
		plant = head
	} else if head, _, found := strings.Cut(label, storedDelimiter); found {
		plant = head
	}

	plant = parenthetical.ReplaceAllString(plant, "")
	plant, _, _ = strings.Cut(plant, ",")
	plant = strings.Trim(plant, "_")
	return strings.TrimSpace(plant)
}

// ExtractConditionName returns the condition part of a taxonomy label, for
// example "Apple_scab" for "Apple___Apple_scab". Labels without the
// classifier delimiter yield "".
func ExtractConditionName(label string) string {
	_, condition, found := strings.Cut(NormalizeLabel(label), labelDelimiter)
	if !found {
		return ""
	}
	condition = parenthetical.ReplaceAllString(condition, "")
	return strings.TrimSpace(condition)
}

// nameCandidates lists the spellings tried for a name, most specific first,
// without duplicates.
func nameCandidates(name string) []string {
	normalized := NormalizeLabel(name)

	candidates := make([]string, 0, 4)
	seen := make(map[string]struct{}, 4)
	add := func(s string) {
		key := cacheKey(s)
		if key == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		candidates = append(candidates, s)
	}

	add(normalized)
	add(name)
	if strings.Contains(normalized, labelDelimiter) {
		add(strings.ReplaceAll(normalized, labelDelimiter, storedDelimiter))
	} else if strings.Contains(normalized, storedDelimiter) {
		add(strings.ReplaceAll(normalized, storedDelimiter, labelDelimiter))
	}

	return candidates
}

// cacheKey folds case per call; a cases.Caser must not be shared between
// goroutines
func cacheKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}
