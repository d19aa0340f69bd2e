package v1alpha1

import (
	"encoding/json"
	"strings"
)

// shaToken is the literal placeholder the Manifest Resolver substitutes with
// a target artifact SHA wherever it appears inside a string value of a
// DeployConfig's template tree.
const shaToken = "$SHA"

// rawContainsSHAToken deep-walks a JSON document and reports whether any
// string value contains the literal token "$SHA". Used to classify a
// DeployConfig as artifactful vs artifactless (§3, §4.4 rule 1).
func rawContainsSHAToken(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}
	return containsSHAToken(doc)
}

func containsSHAToken(node any) bool {
	switch v := node.(type) {
	case string:
		return strings.Contains(v, shaToken)
	case map[string]any:
		for _, val := range v {
			if containsSHAToken(val) {
				return true
			}
		}
	case []any:
		for _, val := range v {
			if containsSHAToken(val) {
				return true
			}
		}
	}
	return false
}
