package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/syncd/pkg/types"
)

func TestCondition_AcceptsAbbreviationsCaseInsensitively(t *testing.T) {
	value, ok := Condition("NM")
	assert.True(t, ok)
	assert.Equal(t, "Near Mint", value)

	value, ok = Condition("heavily played")
	assert.True(t, ok)
	assert.Equal(t, "Heavily Played", value)

	_, ok = Condition("pristine")
	assert.False(t, ok)
}

func TestMTGLanguage_TruncatesToTwoChars(t *testing.T) {
	assert.Equal(t, "en", MTGLanguage("English"))
	assert.Equal(t, "jp", MTGLanguage("JP"))
	assert.Equal(t, "a", MTGLanguage("A"))
}

func TestBuildBulkItem_PriceInCurrencyUnits(t *testing.T) {
	item := &types.InventoryItem{ExternalStockID: "ext-1", PriceCents: 1250, Quantity: 3}
	bulkItem := BuildBulkItem(item)
	assert.Equal(t, "ext-1", bulkItem.ID)
	assert.Equal(t, 12.5, *bulkItem.Price)
	assert.Equal(t, int64(3), *bulkItem.Quantity)
}

func TestBuildBulkItem_MTGFoilOmittedWhenFalse(t *testing.T) {
	item := &types.InventoryItem{ExternalStockID: "ext-1", Properties: map[string]any{"mtg_foil": false}}
	bulkItem := BuildBulkItem(item)
	assert.Nil(t, bulkItem.MTGFoil)
}

func TestBuildBulkItem_MTGFoilSentWhenTrue(t *testing.T) {
	item := &types.InventoryItem{ExternalStockID: "ext-1", Properties: map[string]any{"mtg_foil": true}}
	bulkItem := BuildBulkItem(item)
	require := assert.New(t)
	require.NotNil(bulkItem.MTGFoil)
	require.True(*bulkItem.MTGFoil)
}

func TestBuildBulkItem_ReadOnlyPropertiesNeverEchoed(t *testing.T) {
	item := &types.InventoryItem{
		ExternalStockID: "ext-1",
		Properties: map[string]any{
			"mtg_card_colors":  []string{"U"},
			"collector_number": "123",
			"tournament_legal": true,
			"cmc":              2.0,
			"mtg_rarity":       "Rare",
			"custom_tag":       "keep-me",
		},
	}
	bulkItem := BuildBulkItem(item)
	assert.Equal(t, map[string]any{"custom_tag": "keep-me"}, bulkItem.Properties)
}

func TestBuildBulkItem_TopLevelPropertiesNeverEchoed(t *testing.T) {
	item := &types.InventoryItem{
		ExternalStockID: "ext-1",
		Properties: map[string]any{
			"price":           9.99,
			"quantity":        int64(5),
			"id":              "ext-1",
			"graded":          true,
			"description":     "stray patch field",
			"user_data_field": "stray patch field",
			"custom_tag":      "keep-me",
		},
	}
	bulkItem := BuildBulkItem(item)
	assert.Equal(t, map[string]any{"custom_tag": "keep-me"}, bulkItem.Properties)
}

func TestBuildBulkItem_UnknownConditionDropped(t *testing.T) {
	item := &types.InventoryItem{ExternalStockID: "ext-1", Properties: map[string]any{"condition": "brand new"}}
	bulkItem := BuildBulkItem(item)
	assert.NotContains(t, bulkItem.Properties, "condition")
}
