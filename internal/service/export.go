package service

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jask/rulekit/internal/database"
	"github.com/jask/rulekit/internal/database/repository"
	"github.com/jask/rulekit/internal/rules"
)

// Format is a rule document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts json, yaml or yml.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown format %q", s)
}

const documentVersion = 1

// Document is the portable form of a rule set.
type Document struct {
	Version int            `json:"version" yaml:"version"`
	RuleSet string         `json:"rule_set,omitempty" yaml:"rule_set,omitempty"`
	Rules   []DocumentRule `json:"rules" yaml:"rules"`
}

// DocumentRule carries the canonical structures of one rule plus its metadata.
type DocumentRule struct {
	Name           string           `json:"name" yaml:"name"`
	Priority       int              `json:"priority" yaml:"priority"`
	Enabled        bool             `json:"enabled" yaml:"enabled"`
	StopProcessing bool             `json:"stop_processing,omitempty" yaml:"stop_processing,omitempty"`
	Source         rules.Source     `json:"source" yaml:"source"`
	Tier           rules.Tier       `json:"tier" yaml:"tier"`
	Origin         rules.Origin     `json:"origin" yaml:"origin"`
	Confidence     *float64         `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	Specificity    *int             `json:"specificity,omitempty" yaml:"specificity,omitempty"`
	Conditions     rules.Conditions `json:"conditions" yaml:"conditions"`
	Actions        rules.Actions    `json:"actions" yaml:"actions"`
	Signature      string           `json:"signature" yaml:"signature"`
}

// Export renders every rule of a set, disabled ones included, in evaluation order. Legacy
// shorthand rows are written in their merged canonical form.
func (s *RuleService) Export(ctx context.Context, ruleSetID *int64, format Format) ([]byte, error) {
	setID, _, err := s.Engine.resolveRuleSet(ctx, s.Engine.DB, ruleSetID)
	if err != nil {
		return nil, err
	}
	set, err := repository.NewRuleSetRepo(s.Engine.DB).Get(ctx, setID)
	if err != nil {
		return nil, err
	}
	compiled, err := s.List(ctx, &setID)
	if err != nil {
		return nil, err
	}
	doc := Document{Version: documentVersion, RuleSet: set.Name, Rules: make([]DocumentRule, 0, len(compiled))}
	for _, r := range compiled {
		specificity := r.Specificity
		doc.Rules = append(doc.Rules, DocumentRule{
			Name:           r.Name,
			Priority:       r.Priority,
			Enabled:        r.Enabled,
			StopProcessing: r.StopProcessing,
			Source:         r.Source,
			Tier:           r.Tier,
			Origin:         r.Origin,
			Confidence:     r.Confidence,
			Specificity:    &specificity,
			Conditions:     r.Conditions,
			Actions:        r.Actions,
			Signature:      rules.Signature(r),
		})
	}
	return EncodeDocument(doc, format)
}

// EncodeDocument serializes a document.
func EncodeDocument(doc Document, format Format) ([]byte, error) {
	if format == FormatYAML {
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return json.MarshalIndent(doc, "", "  ")
}

// DecodeDocument parses a document.
func DecodeDocument(data []byte, format Format) (Document, error) {
	var doc Document
	var err error
	if format == FormatYAML {
		err = yaml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return Document{}, fmt.Errorf("decode %s document: %w", format, err)
	}
	if doc.Version != documentVersion {
		return Document{}, fmt.Errorf("unsupported document version %d", doc.Version)
	}
	return doc, nil
}

// Import writes a document into a set through the validated insert path in one unit of
// work. Rules already present by signature are skipped, invalid rules are counted.
func (s *RuleService) Import(ctx context.Context, data []byte, format Format, ruleSetID *int64) (BatchResult, error) {
	doc, err := DecodeDocument(data, format)
	if err != nil {
		return BatchResult{}, err
	}
	var res BatchResult
	err = database.WithTx(ctx, s.Engine.DB, func(tx *sql.Tx) error {
		setID, _, err := s.Engine.resolveRuleSet(ctx, tx, ruleSetID)
		if err != nil {
			return err
		}
		inputs := make([]RuleInput, 0, len(doc.Rules))
		for _, dr := range doc.Rules {
			if dr.Signature != "" && dr.Signature != rules.SignatureOf(mergedCanonical(dr.Conditions, dr.Actions)) {
				s.Engine.log().Warn("imported rule signature differs", "name", dr.Name)
			}
			inputs = append(inputs, RuleInput{
				Name:           dr.Name,
				Priority:       dr.Priority,
				Disabled:       !dr.Enabled,
				StopProcessing: dr.StopProcessing,
				Source:         dr.Source,
				Tier:           dr.Tier,
				Origin:         dr.Origin,
				RuleSetID:      int64Ptr(setID),
				Confidence:     dr.Confidence,
				Specificity:    dr.Specificity,
				Conditions:     dr.Conditions,
				Actions:        dr.Actions,
			})
		}
		w, err := newRuleWriter(ctx, s.Engine, tx)
		if err != nil {
			return err
		}
		res, err = w.insertAll(ctx, inputs, true)
		return err
	})
	if err != nil {
		return BatchResult{}, err
	}
	s.Engine.log().Info("rules imported", "created", len(res.Created), "duplicates", res.Duplicates)
	return res, nil
}

// mergedCanonical resolves operators and semantics the same way compilation does.
func mergedCanonical(c rules.Conditions, a rules.Actions) (rules.Conditions, rules.Actions) {
	return rules.MergeLegacy(c, a, rules.LegacyFields{})
}
