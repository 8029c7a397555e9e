// Package payload extracts the structured output carried by an agent turn and
// decodes it strictly against the expected schema.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strings"

	"github.com/tjfontaine/matchbench/internal/domain"
)

// Kind names the schema a payload is decoded against.
type Kind string

const (
	KindMatches        Kind = "matches"
	KindPurchaseOrders Kind = "purchase_orders"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindMatches || k == KindPurchaseOrders
}

// priceTolerance absorbs rounding in model-computed prices.
const priceTolerance = 0.01

var fenced = regexp.MustCompile("(?s)```(?:json|JSON)[ \t]*\\r?\\n?(.*?)```")

// Extract returns the last ```json fenced block of content, or the whole
// message when it is itself a JSON document.
func Extract(content string) (json.RawMessage, bool) {
	if blocks := fenced.FindAllStringSubmatch(content, -1); len(blocks) > 0 {
		body := strings.TrimSpace(blocks[len(blocks)-1][1])
		if body != "" {
			return json.RawMessage(body), true
		}
	}
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		if json.Valid([]byte(trimmed)) {
			return json.RawMessage(trimmed), true
		}
	}
	return nil, false
}

// Payload is a validated structured output.
type Payload struct {
	Kind    Kind
	Raw     json.RawMessage // normalized JSON list
	Matches []domain.Match
	Orders  []domain.PurchaseOrder
}

// Len returns the number of entries.
func (p *Payload) Len() int {
	if p.Kind == KindMatches {
		return len(p.Matches)
	}
	return len(p.Orders)
}

// Parse extracts and validates the payload of kind carried by content.
// It returns (nil, nil) when content carries no structured block at all.
func Parse(kind Kind, content string) (*Payload, error) {
	raw, ok := Extract(content)
	if !ok {
		return nil, nil
	}
	return Decode(kind, raw)
}

// Decode strictly decodes raw as a list of kind entries. A single object is
// accepted as a one-element list.
func Decode(kind Kind, raw json.RawMessage) (*Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		raw = append(append([]byte{'['}, raw...), ']')
	}

	p := &Payload{Kind: kind}
	var err error
	switch kind {
	case KindMatches:
		if err = decodeStrict(raw, &p.Matches); err == nil {
			err = validateMatches(p.Matches)
		}
	case KindPurchaseOrders:
		if err = decodeStrict(raw, &p.Orders); err == nil {
			err = validateOrders(p.Orders)
		}
	default:
		return nil, domain.ErrConfiguration(fmt.Sprintf("unknown payload kind %q", kind))
	}
	if err != nil {
		return nil, domain.ErrMalformedPayload(fmt.Sprintf("invalid %s payload: %v", kind, err)).WithCause(err)
	}

	if kind == KindMatches {
		p.Raw, err = json.Marshal(p.Matches)
	} else {
		p.Raw, err = json.Marshal(p.Orders)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return p, nil
}

func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON document")
	}
	return nil
}

func validateMatches(ms []domain.Match) error {
	if len(ms) == 0 {
		return errors.New("empty list")
	}
	var errs []error
	for i, m := range ms {
		if strings.TrimSpace(m.RegistrationID) == "" {
			errs = append(errs, fmt.Errorf("entry %d: registration_id is required", i))
		}
		if m.Matched && strings.TrimSpace(m.SupplierID) == "" {
			errs = append(errs, fmt.Errorf("entry %d: supplier_id is required when matched", i))
		}
	}
	return errors.Join(errs...)
}

func validateOrders(pos []domain.PurchaseOrder) error {
	if len(pos) == 0 {
		return errors.New("empty list")
	}
	var errs []error
	for i, po := range pos {
		if strings.TrimSpace(po.RegistrationID) == "" {
			errs = append(errs, fmt.Errorf("entry %d: registration_id is required", i))
		}
		if strings.TrimSpace(po.SupplierID) == "" {
			errs = append(errs, fmt.Errorf("entry %d: supplier_id is required", i))
		}
		if strings.TrimSpace(po.ProductID) == "" {
			errs = append(errs, fmt.Errorf("entry %d: product_id is required", i))
		}
		if po.BasePrice < 0 || po.FinalPrice < 0 {
			errs = append(errs, fmt.Errorf("entry %d: prices must be non-negative", i))
		}
		if sum := po.Subsidies.Sum(); math.Abs(sum-po.Subsidies.Total) > priceTolerance {
			errs = append(errs, fmt.Errorf("entry %d: subsidy total %.2f does not equal component sum %.2f", i, po.Subsidies.Total, sum))
		}
		if want := po.BasePrice - po.Subsidies.Total; math.Abs(want-po.FinalPrice) > priceTolerance {
			errs = append(errs, fmt.Errorf("entry %d: final_price %.2f, want base_price - subsidies %.2f", i, po.FinalPrice, want))
		}
	}
	return errors.Join(errs...)
}
