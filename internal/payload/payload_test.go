package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/matchbench/internal/domain"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		found   bool
	}{
		{
			name:    "fenced block",
			content: "Here you go:\n```json\n[{\"a\":1}]\n```\nAPPROVE",
			want:    `[{"a":1}]`,
			found:   true,
		},
		{
			name:    "last block wins",
			content: "```json\n[1]\n```\nrevised:\n```json\n[2]\n```",
			want:    `[2]`,
			found:   true,
		},
		{
			name:    "bare document",
			content: "  {\"registration_id\":\"r1\"}  ",
			want:    `{"registration_id":"r1"}`,
			found:   true,
		},
		{
			name:    "prose only",
			content: "Looks good to me. APPROVE",
			found:   false,
		},
		{
			name:    "broken bare document",
			content: "{not json",
			found:   false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			raw, ok := Extract(tt.content)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.want, string(raw))
			}
		})
	}
}

func TestParseMatches(t *testing.T) {
	content := "```json\n" + `[{"registration_id":"R1","supplier_id":"S1","matched":true,"justification":"serves 55407","num_panels":12}]` + "\n```"

	p, err := Parse(KindMatches, content)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Len(t, p.Matches, 1)
	assert.Equal(t, "S1", p.Matches[0].SupplierID)
	assert.Equal(t, domain.FlexString("12"), p.Matches[0].NumPanels)
	assert.JSONEq(t, `[{"registration_id":"R1","supplier_id":"S1","matched":true,"justification":"serves 55407","num_panels":"12"}]`, string(p.Raw))
}

func TestParseSingleObjectBecomesList(t *testing.T) {
	p, err := Parse(KindMatches, `{"registration_id":"R1","matched":false,"justification":"no supplier"}`)
	require.NoError(t, err)
	require.Equal(t, 1, p.Len())
	assert.False(t, p.Matches[0].Matched)
}

func TestParseNoBlock(t *testing.T) {
	p, err := Parse(KindMatches, "I need more information.")
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestParseRejectsInvalidMatches(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown field", `[{"registration_id":"R1","matched":false,"score":0.9}]`},
		{"missing supplier", `[{"registration_id":"R1","matched":true}]`},
		{"missing registration", `[{"supplier_id":"S1","matched":true}]`},
		{"empty list", `[]`},
		{"wrong type", `[{"registration_id":"R1","matched":"yes"}]`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(KindMatches, tt.content)
			require.Error(t, err)
			assert.Nil(t, p)
			assert.True(t, domain.IsKind(err, domain.KindMalformedPayload))
		})
	}
}

func TestParsePurchaseOrders(t *testing.T) {
	valid := `[{
		"registration_id": "R1",
		"supplier_id": "S1",
		"product_id": "SOLAR-1",
		"base_price": 20000,
		"subsidies": {"components": [{"name": "Federal ITC", "amount": 6000}, {"name": "State rebate", "amount": 500}], "total": 6500},
		"final_price": 13500
	}]`

	p, err := Parse(KindPurchaseOrders, "```json\n"+valid+"\n```")
	require.NoError(t, err)
	require.Len(t, p.Orders, 1)
	assert.InDelta(t, 13500, p.Orders[0].FinalPrice, 0.001)

	t.Run("total mismatch", func(t *testing.T) {
		bad := `[{"registration_id":"R1","supplier_id":"S1","product_id":"P","base_price":100,
			"subsidies":{"components":[{"name":"a","amount":10}],"total":20},"final_price":80}]`
		_, err := Parse(KindPurchaseOrders, bad)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "component sum")
	})

	t.Run("final price mismatch", func(t *testing.T) {
		bad := `[{"registration_id":"R1","supplier_id":"S1","product_id":"P","base_price":100,
			"subsidies":{"components":[{"name":"a","amount":10}],"total":10},"final_price":95}]`
		_, err := Parse(KindPurchaseOrders, bad)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "final_price")
	})

	t.Run("descriptive fields", func(t *testing.T) {
		doc := `[{"registration_id":"R1","supplier_id":"S1","product_id":"P","base_price":100,
			"subsidies":{"components":[{"name":"a","amount":10}],"total":10},"final_price":90,
			"campaign_name":"sbus","panel_name":"X","num_panels":"12","panel_capacity":400,
			"battery_name":null,"battery_capacity":"13.5 kWh","product_price":"$100"}]`
		p, err := Parse(KindPurchaseOrders, doc)
		require.NoError(t, err)
		o := p.Orders[0]
		assert.Equal(t, "sbus", o.CampaignName)
		assert.Equal(t, "X", o.PanelName)
		assert.Equal(t, domain.FlexString("12"), o.NumPanels)
		assert.Equal(t, domain.FlexString("400"), o.PanelCapacity)
		assert.Empty(t, o.BatteryName)
		assert.Equal(t, domain.FlexString("13.5 kWh"), o.BatteryCapacity)
		assert.Equal(t, domain.FlexString("$100"), o.ProductPrice)
	})

	t.Run("rounding tolerated", func(t *testing.T) {
		ok := `[{"registration_id":"R1","supplier_id":"S1","product_id":"P","base_price":100.005,
			"subsidies":{"components":[{"name":"a","amount":33.333},{"name":"b","amount":33.333}],"total":66.67},"final_price":33.34}]`
		_, err := Parse(KindPurchaseOrders, ok)
		assert.NoError(t, err)
	})
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode(Kind("invoices"), []byte(`[]`))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConfiguration))
}
