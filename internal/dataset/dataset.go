// Package dataset loads the input artifacts of a run: registrations, the
// offer catalog and the optional incentives document.
package dataset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/matchbench/internal/domain"
)

// Paths names the input files of a run. Incentives is optional.
type Paths struct {
	Registrations string
	Offers        string
	Incentives    string
}

// Inputs holds everything a run reads before its first record.
type Inputs struct {
	Registrations []domain.Registration
	Catalog       *domain.Catalog
	// Incentives is nil when no incentives file was given; agents then use
	// the fetch_incentives tool.
	Incentives json.RawMessage
}

// Load reads the three inputs concurrently.
func Load(ctx context.Context, p Paths) (*Inputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in := &Inputs{}
	var g errgroup.Group

	g.Go(func() error {
		regs, err := LoadRegistrations(p.Registrations)
		in.Registrations = regs
		return err
	})
	g.Go(func() error {
		catalog, err := LoadOffers(p.Offers)
		in.Catalog = catalog
		return err
	})
	g.Go(func() error {
		if p.Incentives == "" {
			return nil
		}
		doc, err := LoadIncentives(p.Incentives)
		in.Incentives = doc
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return in, nil
}

// LoadRegistrations reads a JSON array of registrations.
func LoadRegistrations(path string) ([]domain.Registration, error) {
	data, err := read(path, "registrations")
	if err != nil {
		return nil, err
	}
	var regs []domain.Registration
	if err := json.Unmarshal(data, &regs); err != nil {
		return nil, fmt.Errorf("registrations %s: %w", path, err)
	}
	return regs, nil
}

// DecodeOffers accepts the three catalog layouts seen in practice:
// {"SupplierOffers": [...]}, a bare list, or an object keyed by supplier ID.
func DecodeOffers(data []byte) (*domain.Catalog, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty offer catalog")
	}

	if data[0] == '[' {
		var offers []domain.Offer
		if err := json.Unmarshal(data, &offers); err != nil {
			return nil, err
		}
		return &domain.Catalog{Offers: offers}, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	if list, ok := obj["SupplierOffers"]; ok {
		var offers []domain.Offer
		if err := json.Unmarshal(list, &offers); err != nil {
			return nil, fmt.Errorf("SupplierOffers: %w", err)
		}
		return &domain.Catalog{Offers: offers}, nil
	}

	ids := make([]string, 0, len(obj))
	for id := range obj {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	catalog := &domain.Catalog{}
	for _, id := range ids {
		var o domain.Offer
		if err := json.Unmarshal(obj[id], &o); err != nil {
			return nil, fmt.Errorf("offer %s: %w", id, err)
		}
		if o.SupplierID == "" {
			o.SupplierID = id
		}
		catalog.Offers = append(catalog.Offers, o)
	}
	return catalog, nil
}

// LoadOffers reads an offer catalog file.
func LoadOffers(path string) (*domain.Catalog, error) {
	data, err := read(path, "offers")
	if err != nil {
		return nil, err
	}
	catalog, err := DecodeOffers(data)
	if err != nil {
		return nil, fmt.Errorf("offers %s: %w", path, err)
	}
	seen := make(map[string]bool, len(catalog.Offers))
	for _, o := range catalog.Offers {
		if o.SupplierID == "" {
			return nil, fmt.Errorf("offers %s: offer without SupplierID", path)
		}
		if seen[o.SupplierID] {
			return nil, fmt.Errorf("offers %s: duplicate supplier %s", path, o.SupplierID)
		}
		seen[o.SupplierID] = true
	}
	return catalog, nil
}

// LoadIncentives reads the incentives document. Its content is opaque and is
// handed to agents as is; it only has to be valid JSON.
func LoadIncentives(path string) (json.RawMessage, error) {
	data, err := read(path, "incentives")
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, fmt.Errorf("incentives %s: invalid JSON", path)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("incentives %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

// OutputPath names an output artifact:
// {dir}/{businessLine}_{constellation}_{model}_{name}.
func OutputPath(dir, businessLine, constellation, model, name string) string {
	parts := make([]string, 0, 4)
	for _, p := range []string{businessLine, constellation, fileSafe(model), name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return filepath.Join(dir, strings.Join(parts, "_"))
}

var unsafeChars = strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "-")

func fileSafe(s string) string {
	return unsafeChars.Replace(s)
}

func read(path, what string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("%s file not configured", what)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", what, err)
	}
	return data, nil
}
