// Package classify maps governance labels onto columns and pushes the
// resulting security requirements into every resource that consumes them.
// Explicit labels on a column always win; otherwise an ordered pattern table
// assigns labels by column-name fragment, first match taken.
package classify

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kolumn-data/kolumn/pkg/engine"
	"github.com/kolumn-data/kolumn/pkg/schema"
)

// PatternRule assigns a classification to columns whose name contains the
// fragment. Matching is case-insensitive. Rule order is significant.
type PatternRule struct {
	Fragment       string `yaml:"fragment"`
	Classification string `yaml:"classification"`
}

// Matches reports whether the rule applies to a column name.
func (r PatternRule) Matches(column string) bool {
	return strings.Contains(strings.ToLower(column), strings.ToLower(r.Fragment))
}

// DefaultRules is the built-in pattern table, applied when no rules file
// overrides it. Order encodes precedence: national identifiers sit in the
// sensitive_pii tier above standard PII, so a name matching both tiers
// takes the stricter one.
var DefaultRules = []PatternRule{
	{Fragment: "ssn", Classification: "sensitive_pii"},
	{Fragment: "social_security", Classification: "sensitive_pii"},
	{Fragment: "passport", Classification: "sensitive_pii"},
	{Fragment: "email", Classification: "pii"},
	{Fragment: "phone", Classification: "pii"},
	{Fragment: "address", Classification: "pii"},
	{Fragment: "birth", Classification: "pii"},
	{Fragment: "card_number", Classification: "financial"},
	{Fragment: "account_number", Classification: "financial"},
	{Fragment: "iban", Classification: "financial"},
	{Fragment: "salary", Classification: "financial"},
	{Fragment: "password", Classification: "secret"},
	{Fragment: "secret", Classification: "secret"},
	{Fragment: "token", Classification: "secret"},
	{Fragment: "api_key", Classification: "secret"},
}

// rulesFile is the on-disk shape of a classification rules document.
type rulesFile struct {
	Classifications []struct {
		Name         string `yaml:"name"`
		Description  string `yaml:"description"`
		Requirements map[string]struct {
			EncryptionMethod string `yaml:"encryption_method"`
			MaskingRule      string `yaml:"masking_rule"`
		} `yaml:"requirements"`
	} `yaml:"classifications"`
	Patterns []PatternRule `yaml:"patterns"`
}

// LoadRules reads a YAML rules document, registering its classification
// definitions and returning its pattern table in declared order.
func LoadRules(path string, registry *schema.Registry) ([]PatternRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("reading classification rules %s", path), err).
			WithCode(engine.ErrCodeValidation)
	}

	var doc rulesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("parsing classification rules %s", path), err).
			WithCode(engine.ErrCodeSyntax).
			WithSource(path, 0)
	}

	for _, c := range doc.Classifications {
		cls := &schema.Classification{
			Name:         c.Name,
			Description:  c.Description,
			Requirements: make(map[string]schema.Transformation, len(c.Requirements)),
		}
		for kind, req := range c.Requirements {
			cls.Requirements[kind] = schema.Transformation{
				EncryptionMethod: req.EncryptionMethod,
				MaskingRule:      req.MaskingRule,
			}
		}
		if err := registry.RegisterClassification(cls); err != nil {
			return nil, err
		}
	}

	for i, p := range doc.Patterns {
		if p.Fragment == "" || p.Classification == "" {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("classification pattern %d in %s needs both fragment and classification", i, path), nil).
				WithCode(engine.ErrCodeValidation)
		}
	}
	return doc.Patterns, nil
}
