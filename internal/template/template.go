// Package template renders outreach message bodies from lead variables.
//
// Placeholders are {{name}}. Unknown names are left untouched so a missing
// field is visible in the output instead of silently disappearing. A
// placeholder written {{!name}} is required: rendering fails when name has
// no value.
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"outreach/internal/model"
)

var placeholder = regexp.MustCompile(`\{\{\s*(!?)\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render substitutes vars into body. It is pure: the same body and vars always
// give the same output.
func Render(body string, vars map[string]string) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(body, func(m string) string {
		sub := placeholder.FindStringSubmatch(m)
		required, name := sub[1] == "!", sub[2]
		if v, ok := vars[name]; ok && (v != "" || !required) {
			return v
		}
		if required {
			missing = append(missing, name)
			return m
		}
		return "{{" + name + "}}"
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("%w: missing %s", model.ErrTemplateResolution, strings.Join(missing, ", "))
	}
	return out, nil
}

// Variables lists the distinct placeholder names in body, required ones
// flagged.
func Variables(body string) (names []string, required map[string]bool) {
	required = map[string]bool{}
	seen := map[string]bool{}
	for _, sub := range placeholder.FindAllStringSubmatch(body, -1) {
		name := sub[2]
		if sub[1] == "!" {
			required[name] = true
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, required
}

// ForLead renders tpl for lead.
func ForLead(tpl model.Template, lead model.Lead) (string, error) {
	out, err := Render(tpl.Body, lead.Vars())
	if err != nil {
		return "", fmt.Errorf("template %s lead %s: %w", tpl.ID, lead.ID, err)
	}
	return out, nil
}
