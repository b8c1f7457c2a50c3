package discovery

import (
	"regexp"
	"strings"

	"github.com/kmbridge/kmbridge/internal/models"
)

// vendor strings a printer's sysDescr carries when it belongs to the
// fleet's manufacturer
var vendorIdentifiers = []string{
	"KONICA MINOLTA",
	"bizhub",
	"magicolor",
	"pagepro",
}

// model extraction patterns, tried in order
var modelPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bizhub\s+(C?\d+[a-zA-Z]*)`),
	regexp.MustCompile(`(?i)magicolor\s+(\d+\w*)`),
	regexp.MustCompile(`(?i)pagepro\s+(\d+\w*)`),
	regexp.MustCompile(`(?i)AccurioPrint\s+(\d+\w*)`),
	regexp.MustCompile(`(?i)KONICA MINOLTA\s+(C?\d+[a-zA-Z]*)`),
}

// IsVendorDevice reports whether a sysDescr belongs to the fleet's
// manufacturer.
func IsVendorDevice(sysDescr string) bool {
	upper := strings.ToUpper(sysDescr)
	for _, id := range vendorIdentifiers {
		if strings.Contains(upper, strings.ToUpper(id)) {
			return true
		}
	}
	return false
}

// ExtractModel pulls the model designation out of a sysDescr string.
func ExtractModel(sysDescr string) string {
	for _, p := range modelPatterns {
		if m := p.FindStringSubmatch(sysDescr); m != nil {
			return m[1]
		}
	}
	return ""
}

// KindForModel maps a model designation onto its controller family.
// Color multifunction engines expose the web admin interface; the
// C759 and production models ship with a RIP controller; the 2100 is
// raw-port only; desktop models can only be monitored.
func KindForModel(model string) models.AdapterKind {
	upper := strings.ToUpper(model)
	switch {
	case upper == "":
		return models.AdapterMonitor
	case strings.Contains(upper, "759"):
		return models.AdapterManaged
	case strings.Contains(upper, "2100"):
		return models.AdapterRawStream
	case strings.HasPrefix(upper, "C"):
		return models.AdapterDirect
	default:
		return models.AdapterMonitor
	}
}

// Classify resolves a sysDescr into a model and controller family.
// The second return is false when the description does not belong to
// the fleet's manufacturer.
func Classify(sysDescr string) (model string, kind models.AdapterKind, ok bool) {
	if !IsVendorDevice(sysDescr) {
		return "", "", false
	}
	model = ExtractModel(sysDescr)
	return model, KindForModel(model), true
}

// CredentialList is an ordered password list scoped to a model family.
type CredentialList struct {
	Model     string
	Passwords []string
}

// factory-default admin passwords, most common first; the empty string
// covers devices shipped without a password
var defaultPasswords = []string{
	"12345678",
	"1234567812345678",
	"admin",
	"",
}

var modelPasswords = []CredentialList{
	{Model: "2100", Passwords: []string{"12345678"}},
	{Model: "754e", Passwords: []string{"12345678"}},
	{Model: "C654", Passwords: []string{"1234567812345678"}},
	{Model: "C759", Passwords: []string{"1234567812345678"}},
}

// CredentialCandidates builds the ordered password list to probe for a
// model. Operator-supplied lists come first, then the built-in
// model-specific defaults, then the generic defaults. Duplicates keep
// their first position.
func CredentialCandidates(model string, extra []CredentialList) []string {
	var candidates []string
	upper := strings.ToUpper(model)

	appendMatching := func(lists []CredentialList) {
		for _, l := range lists {
			if strings.Contains(upper, strings.ToUpper(l.Model)) {
				candidates = append(candidates, l.Passwords...)
			}
		}
	}
	appendMatching(extra)
	appendMatching(modelPasswords)
	candidates = append(candidates, defaultPasswords...)

	seen := make(map[string]bool, len(candidates))
	out := candidates[:0]
	for _, p := range candidates {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
