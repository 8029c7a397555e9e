package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Registration is a customer's intent. It is read-only during a run; the raw
// JSON object is what agents are shown.
type Registration struct {
	ID               string
	ZipCode          string
	CampaignName     string
	ProductInterests []string
	HouseholdIncome  float64
	HouseholdSize    int
	OwnerStatus      string
	PropertyType     string
	Budget           float64

	Raw json.RawMessage
}

// UnmarshalJSON accepts both snake_case keys and the PascalCase keys used by
// the campaign exports.
func (r *Registration) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("registration: %w", err)
	}
	*r = Registration{
		ID:               pickString(m, "registration_id", "RegistrationNumber", "RegistrationID", "id"),
		ZipCode:          pickString(m, "zip_code", "ZipCode", "zip", "PostalCode"),
		CampaignName:     pickString(m, "campaign_name", "CampaignName"),
		ProductInterests: pickStrings(m, "product_interests", "ProductInterests", "Products"),
		HouseholdIncome:  pickFloat(m, "household_income", "HouseholdIncome"),
		HouseholdSize:    int(pickFloat(m, "household_size", "HouseholdSize")),
		OwnerStatus:      pickString(m, "owner_status", "OwnerStatus"),
		PropertyType:     pickString(m, "property_type", "PropertyType"),
		Budget:           pickFloat(m, "budget", "Budget"),
		Raw:              append(json.RawMessage(nil), bytes.TrimSpace(data)...),
	}
	return nil
}

// MarshalJSON returns the original document when one was decoded.
func (r Registration) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	return json.Marshal(map[string]any{
		"registration_id":   r.ID,
		"zip_code":          r.ZipCode,
		"campaign_name":     r.CampaignName,
		"product_interests": r.ProductInterests,
		"household_income":  r.HouseholdIncome,
		"household_size":    r.HouseholdSize,
		"owner_status":      r.OwnerStatus,
		"property_type":     r.PropertyType,
		"budget":            r.Budget,
	})
}

// Product is one catalog entry of a supplier.
type Product struct {
	ProductID string  `json:"ProductID"`
	Name      string  `json:"Name"`
	Type      string  `json:"Type,omitempty"`
	BasePrice float64 `json:"BasePrice"`
	AddOns    []AddOn `json:"AddOns,omitempty"`
}

// AddOn is an optional extra offered with a product.
type AddOn struct {
	Name  string  `json:"Name"`
	Price float64 `json:"Price"`
}

// Offer is a supplier's catalog entry. Logically immutable during a run.
type Offer struct {
	SupplierID string
	Capacity   int
	Regions    []string
	Products   []Product

	Raw json.RawMessage
}

// UnmarshalJSON decodes an offer, tolerating either key casing.
func (o *Offer) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("offer: %w", err)
	}
	*o = Offer{
		SupplierID: pickString(m, "SupplierID", "supplier_id", "SupplierId"),
		Capacity:   int(pickFloat(m, "Capacity", "capacity")),
		Regions:    pickStrings(m, "Regions", "regions", "ZipCodes", "zip_codes"),
		Raw:        append(json.RawMessage(nil), bytes.TrimSpace(data)...),
	}
	if v, ok := pick(m, "Products", "products"); ok {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("offer %s products: %w", o.SupplierID, err)
		}
		if err := json.Unmarshal(raw, &o.Products); err != nil {
			return fmt.Errorf("offer %s products: %w", o.SupplierID, err)
		}
	}
	return nil
}

// MarshalJSON returns the original document when one was decoded.
func (o Offer) MarshalJSON() ([]byte, error) {
	if len(o.Raw) > 0 {
		return o.Raw, nil
	}
	return json.Marshal(map[string]any{
		"SupplierID": o.SupplierID,
		"Capacity":   o.Capacity,
		"Regions":    o.Regions,
		"Products":   o.Products,
	})
}

// Serves reports whether the offer covers a region. An offer without
// declared regions serves every region.
func (o Offer) Serves(zip string) bool {
	if len(o.Regions) == 0 {
		return true
	}
	for _, r := range o.Regions {
		if r == zip {
			return true
		}
	}
	return false
}

// Catalog is the full offer list of a run.
type Catalog struct {
	Offers []Offer
}

// Supplier looks up an offer by supplier ID.
func (c *Catalog) Supplier(id string) (Offer, bool) {
	for _, o := range c.Offers {
		if o.SupplierID == id {
			return o, true
		}
	}
	return Offer{}, false
}

// CapacityRecord is the usage ledger entry of one supplier.
// Invariant: 0 <= Used <= Capacity.
type CapacityRecord struct {
	SupplierID string  `json:"SupplierID"`
	Capacity   int     `json:"Capacity"`
	Used       int     `json:"Used"`
	UsedPct    float64 `json:"UsedPct"`
}

// Available returns the remaining allocation.
func (r CapacityRecord) Available() int {
	return r.Capacity - r.Used
}

// UsedFraction returns used/capacity rounded to two decimals, 0 when the
// capacity is zero.
func UsedFraction(used, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	return math.Round(float64(used)/float64(capacity)*100) / 100
}

// Match statuses assigned after the capacity commit.
const (
	MatchConfirmed   = "confirmed"
	MatchUnconfirmed = "unconfirmed"
)

// Match is the Phase 1 output for one registration.
type Match struct {
	RegistrationID  string     `json:"registration_id"`
	SupplierID      string     `json:"supplier_id,omitempty"`
	Matched         bool       `json:"matched"`
	Justification   string     `json:"justification,omitempty"`
	CampaignName    string     `json:"campaign_name,omitempty"`
	ZipCode         string     `json:"zip_code,omitempty"`
	PanelName       string     `json:"panel_name,omitempty"`
	NumPanels       FlexString `json:"num_panels,omitempty"`
	PanelCapacity   FlexString `json:"panel_capacity,omitempty"`
	BatteryName     FlexString `json:"battery_name,omitempty"`
	BatteryCapacity FlexString `json:"battery_capacity,omitempty"`

	// Status is set by the engine once capacity has been committed.
	Status string `json:"status,omitempty"`
}

// SubsidyComponent is one named incentive applied to a purchase order.
type SubsidyComponent struct {
	Name   string  `json:"name"`
	Amount float64 `json:"amount"`
}

// SubsidyBreakdown lists the incentives and their total.
type SubsidyBreakdown struct {
	Components []SubsidyComponent `json:"components"`
	Total      float64            `json:"total"`
}

// Sum adds up the component amounts.
func (s SubsidyBreakdown) Sum() float64 {
	var total float64
	for _, c := range s.Components {
		total += c.Amount
	}
	return total
}

// PurchaseOrder is the Phase 2 output for one registration.
type PurchaseOrder struct {
	RegistrationID    string           `json:"registration_id"`
	SupplierID        string           `json:"supplier_id"`
	ProductID         string           `json:"product_id"`
	ProductType       string           `json:"product_type,omitempty"`
	BasePrice         float64          `json:"base_price"`
	Subsidies         SubsidyBreakdown `json:"subsidies"`
	FinalPrice        float64          `json:"final_price"`
	EligibleSubsidies []string         `json:"eligible_subsidies,omitempty"`
	PaymentType       string           `json:"payment_type,omitempty"`
	ZipCode           string           `json:"zip_code,omitempty"`

	// Descriptive fields carried over from the match.
	CampaignName    string     `json:"campaign_name,omitempty"`
	PanelName       string     `json:"panel_name,omitempty"`
	NumPanels       FlexString `json:"num_panels,omitempty"`
	PanelCapacity   FlexString `json:"panel_capacity,omitempty"`
	BatteryName     FlexString `json:"battery_name,omitempty"`
	BatteryCapacity FlexString `json:"battery_capacity,omitempty"`
	ProductPrice    FlexString `json:"product_price,omitempty"`
}

// PhaseTiming holds the named sub-intervals of one phase.
type PhaseTiming struct {
	Phase     string                   `json:"phase"`
	Total     time.Duration            `json:"total"`
	Intervals map[string]time.Duration `json:"intervals"`
}

// TimingRecord is the per-registration timing breakdown of a run.
type TimingRecord struct {
	RegistrationID string        `json:"registration_id"`
	Phases         []PhaseTiming `json:"phases"`
	Total          time.Duration `json:"total"`
}

// FlexString decodes a JSON string, number, boolean or null into text.
// Models emit quantities such as panel counts either way.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	case bytes.Equal(data, []byte("true")), bytes.Equal(data, []byte("false")):
		*f = FlexString(data)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("expected string or number, got %s", data)
		}
		*f = FlexString(n.String())
		return nil
	}
}

func pick(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func pickString(m map[string]any, keys ...string) string {
	v, ok := pick(m, keys...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func pickFloat(m map[string]any, keys ...string) float64 {
	v, ok := pick(m, keys...)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func pickStrings(m map[string]any, keys ...string) []string {
	v, ok := pick(m, keys...)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			switch s := item.(type) {
			case string:
				out = append(out, s)
			case float64:
				out = append(out, strconv.FormatFloat(s, 'f', -1, 64))
			}
		}
		return out
	case string:
		return []string{t}
	default:
		return nil
	}
}
