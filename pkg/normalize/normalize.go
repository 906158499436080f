// Package normalize implements the outgoing payload normalization rules
// from spec.md §6. The write-path reconciler (G) builds the item it pushes
// back to the Marketplace with it; the bulk-sync engine (F) does not use it.
package normalize

import (
	"strings"

	"github.com/cuemby/syncd/pkg/marketplace"
	"github.com/cuemby/syncd/pkg/types"
)

// readOnlyProperties are fields the Marketplace returns on export but that
// are never legal inside an outgoing properties object — they describe
// catalog data, not listing state, so pushing them back would be a no-op
// at best and a validation error at worst.
var readOnlyProperties = map[string]struct{}{
	"mtg_card_colors":  {},
	"collector_number": {},
	"tournament_legal": {},
	"cmc":              {},
	"mtg_rarity":       {},
}

// topLevelProperties are the fields spec.md §6 places on the outgoing
// payload itself, never inside its properties object. Properties sourced
// from a fresh export never carry these keys, but a UI-supplied patch
// could, so the builder excludes them defensively rather than trusting
// the caller.
var topLevelProperties = map[string]struct{}{
	"price":           {},
	"quantity":        {},
	"id":              {},
	"graded":          {},
	"description":     {},
	"user_data_field": {},
}

// validConditions is the exact vocabulary the Marketplace accepts.
var validConditions = map[string]string{
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

// Condition normalizes a free-form condition string (case-insensitive,
// common abbreviations accepted) to the Marketplace's exact vocabulary.
// Unknown values report ok=false and must be dropped from the payload.
func Condition(raw string) (value string, ok bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	value, ok = validConditions[key]
	return value, ok
}

// MTGLanguage lowercases and truncates a language value to its first two
// characters, the shape the Marketplace expects for mtg_language.
func MTGLanguage(raw string) string {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if len(lower) <= 2 {
		return lower
	}
	return lower[:2]
}

// BuildBulkItem converts a local InventoryItem into the outgoing
// marketplace.BulkItem shape, applying every rule in spec.md §6:
//   - price is sent in currency units (price_cents / 100), never cents.
//   - condition is normalized; unknown values are simply omitted.
//   - signed/altered are always sent when present in Properties.
//   - mtg_foil is sent only when true; omitting is the only way to clear it
//     remotely, since the Marketplace silently ignores an explicit false.
//   - mtg_language is lowercased to its first two characters.
//   - read-only and top-level properties are never echoed back inside
//     properties.
func BuildBulkItem(item *types.InventoryItem) marketplace.BulkItem {
	bulkItem := marketplace.BulkItem{ID: item.ExternalStockID}

	price := float64(item.PriceCents) / 100
	bulkItem.Price = &price

	quantity := item.Quantity
	bulkItem.Quantity = &quantity

	if item.Description != "" {
		description := item.Description
		bulkItem.Description = &description
	}
	if item.UserData != "" {
		userData := item.UserData
		bulkItem.UserDataField = &userData
	}

	graded := item.Graded
	bulkItem.Graded = &graded

	properties := make(map[string]any)
	for key, value := range item.Properties {
		if _, readOnly := readOnlyProperties[key]; readOnly {
			continue
		}
		if _, topLevel := topLevelProperties[key]; topLevel {
			continue
		}

		switch key {
		case "condition":
			if raw, ok := value.(string); ok {
				if normalized, valid := Condition(raw); valid {
					properties["condition"] = normalized
				}
			}
		case "signed":
			if b, ok := value.(bool); ok {
				signed := b
				bulkItem.Signed = &signed
			}
		case "altered":
			if b, ok := value.(bool); ok {
				altered := b
				bulkItem.Altered = &altered
			}
		case "mtg_foil":
			if b, ok := value.(bool); ok && b {
				foil := true
				bulkItem.MTGFoil = &foil
			}
		case "mtg_language":
			if raw, ok := value.(string); ok {
				language := MTGLanguage(raw)
				bulkItem.MTGLanguage = &language
			}
		default:
			properties[key] = value
		}
	}

	if len(properties) > 0 {
		bulkItem.Properties = properties
	}

	return bulkItem
}
