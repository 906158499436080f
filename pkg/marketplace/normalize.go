package marketplace

import "strings"

// conditions is the allow-list of condition strings the Marketplace wire
// protocol accepts (spec.md §6). Anything else is dropped rather than
// sent, since the Marketplace rejects unknown conditions outright.
var conditions = map[string]string{
	"mint":               "Mint",
	"near mint":          "Near Mint",
	"nm":                 "Near Mint",
	"slightly played":    "Slightly Played",
	"sp":                 "Slightly Played",
	"moderately played":  "Moderately Played",
	"mp":                 "Moderately Played",
	"played":             "Played",
	"pl":                 "Played",
	"heavily played":     "Heavily Played",
	"hp":                 "Heavily Played",
	"poor":               "Poor",
	"po":                 "Poor",
}

// NormalizeCondition maps a local condition string to the one of the seven
// values the Marketplace wire protocol accepts, case-insensitively. It
// returns ("", false) when the input has no known mapping, which callers
// treat as "omit the field" rather than send something the Marketplace
// will reject.
func NormalizeCondition(condition string) (string, bool) {
	normalized, ok := conditions[strings.ToLower(strings.TrimSpace(condition))]
	return normalized, ok
}

// readOnlyPropertyKeys are catalog-derived fields the Marketplace computes
// itself; spec.md §6 requires they never be sent inside (or instead of)
// the properties object, whether as top-level fields or nested keys.
var readOnlyPropertyKeys = map[string]struct{}{
	"mtg_card_colors":  {},
	"collector_number": {},
	"tournament_legal": {},
	"cmc":              {},
	"mtg_rarity":       {},
}

// SanitizeProperties returns a copy of props with every read-only key
// removed. Properties merge (rather than replace) at the Marketplace, so
// whatever remains is merged in as-is. pkg/normalize's BuildBulkItem does
// not call this; it filters the same keys with its own list.
func SanitizeProperties(props map[string]any) map[string]any {
	if len(props) == 0 {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		if _, readOnly := readOnlyPropertyKeys[k]; readOnly {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// NormalizeLanguage lowercases and truncates a language tag to its first
// two characters, per spec.md §6's mtg_language rule.
func NormalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if len(lang) <= 2 {
		return lang
	}
	return lang[:2]
}

// PriceCentsToDollars converts integer cents to the float the wire
// protocol expects for price.
func PriceCentsToDollars(cents int64) float64 {
	return float64(cents) / 100.0
}
