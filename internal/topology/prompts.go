package topology

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tjfontaine/matchbench/internal/domain"
)

// PromptSource resolves prompt keys to system prompt text.
type PromptSource interface {
	Prompt(key string) (string, error)
}

// DirSource reads prompts laid out as
// {Dir}/{BusinessLine}[/{Variant}]/{BusinessLine}_{key}.txt. A key missing
// from the variant directory falls back to the business line directory.
type DirSource struct {
	Dir          string
	BusinessLine string
	Variant      string
}

// NewDirSource returns a DirSource.
func NewDirSource(dir, businessLine, variant string) *DirSource {
	return &DirSource{Dir: dir, BusinessLine: businessLine, Variant: variant}
}

// Candidates returns the paths tried for key, most specific first.
func (s *DirSource) Candidates(key string) []string {
	name := fmt.Sprintf("%s_%s.txt", s.BusinessLine, key)
	base := filepath.Join(s.Dir, s.BusinessLine)
	if s.Variant == "" {
		return []string{filepath.Join(base, name)}
	}
	return []string{
		filepath.Join(base, s.Variant, name),
		filepath.Join(base, name),
	}
}

// Prompt returns the trimmed prompt text for key.
func (s *DirSource) Prompt(key string) (string, error) {
	for _, path := range s.Candidates(key) {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read prompt %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", domain.ErrConfiguration(fmt.Sprintf("prompt key %q not found for business line %s", key, s.BusinessLine)).
		WithCode(domain.ErrorCodeUnknownPromptKey).
		WithParam(key)
}

// MapSource serves prompts from memory.
type MapSource map[string]string

// Prompt implements PromptSource.
func (m MapSource) Prompt(key string) (string, error) {
	p, ok := m[key]
	if !ok {
		return "", domain.ErrConfiguration(fmt.Sprintf("prompt key %q not found", key)).
			WithCode(domain.ErrorCodeUnknownPromptKey).
			WithParam(key)
	}
	return p, nil
}

// LoadPrompts resolves every prompt key used by c.
func LoadPrompts(c *Constellation, src PromptSource) (map[string]string, error) {
	keys := c.PromptKeys()
	sort.Strings(keys)
	out := make(map[string]string, len(keys))
	var errs []error
	for _, k := range keys {
		p, err := src.Prompt(k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[k] = p
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
