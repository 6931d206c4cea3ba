package regulatory

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aegis-shield/regulatory-engine/internal/config"
)

// RuleDefinition mirrors a regulatory rule held by the external rule store.
// The registry is a local catalog used to resolve applicable rule sets per
// jurisdiction; rule ownership stays with the rule store.
type RuleDefinition struct {
	RuleID        string    `json:"rule_id"`
	Name          string    `json:"name"`
	Jurisdiction  string    `json:"jurisdiction"`
	Framework     string    `json:"framework"`
	EffectiveDate time.Time `json:"effective_date"`
	Requirements  []string  `json:"requirements"`
	Tags          []string  `json:"tags"`
}

// Registry resolves jurisdictions and their applicable rule sets
type Registry struct {
	config        config.RegulationsConfig
	logger        *zap.Logger
	jurisdictions map[string]bool
	rules         map[string]*RuleDefinition
	mu            sync.RWMutex
}

// NewRegistry creates a registry seeded with the default rule catalog for
// all enabled jurisdictions
func NewRegistry(cfg config.RegulationsConfig, logger *zap.Logger) *Registry {
	r := &Registry{
		config:        cfg,
		logger:        logger,
		jurisdictions: make(map[string]bool),
		rules:         make(map[string]*RuleDefinition),
	}

	for _, jurisdiction := range cfg.EnabledJurisdictions {
		r.jurisdictions[jurisdiction] = true
	}

	r.loadDefaultRules()

	return r
}

// SupportsJurisdiction reports whether a jurisdiction is enabled
func (r *Registry) SupportsJurisdiction(jurisdiction string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.jurisdictions[jurisdiction]
}

// Jurisdictions returns all enabled jurisdictions
func (r *Registry) Jurisdictions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jurisdictions := make([]string, 0, len(r.jurisdictions))
	for jurisdiction := range r.jurisdictions {
		jurisdictions = append(jurisdictions, jurisdiction)
	}

	return jurisdictions
}

// JurisdictionsForRule returns the jurisdictions a rule change can affect.
// Rules not present in the catalog affect every enabled jurisdiction: for
// compliance purposes over-invalidation is acceptable, missing an affected
// report is not.
func (r *Registry) JurisdictionsForRule(ruleID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rule, exists := r.rules[ruleID]; exists {
		return []string{rule.Jurisdiction}
	}

	jurisdictions := make([]string, 0, len(r.jurisdictions))
	for jurisdiction := range r.jurisdictions {
		jurisdictions = append(jurisdictions, jurisdiction)
	}

	return jurisdictions
}

// RulesForJurisdiction resolves the rule set applicable to a jurisdiction as
// of the given date
func (r *Registry) RulesForJurisdiction(jurisdiction string, asOf time.Time) ([]*RuleDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.jurisdictions[jurisdiction] {
		return nil, fmt.Errorf("unsupported jurisdiction: %s", jurisdiction)
	}

	var rules []*RuleDefinition
	for _, rule := range r.rules {
		if rule.Jurisdiction != jurisdiction {
			continue
		}
		if rule.EffectiveDate.After(asOf) {
			continue
		}
		rules = append(rules, rule)
	}

	return rules, nil
}

// GetRule retrieves a rule definition by ID
func (r *Registry) GetRule(ruleID string) (*RuleDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, exists := r.rules[ruleID]
	if !exists {
		return nil, fmt.Errorf("rule not found: %s", ruleID)
	}

	return rule, nil
}

// AddRule registers a rule definition in the local catalog
func (r *Registry) AddRule(rule *RuleDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rule.RuleID == "" {
		return fmt.Errorf("rule ID is required")
	}
	if !r.jurisdictions[rule.Jurisdiction] {
		return fmt.Errorf("unsupported jurisdiction: %s", rule.Jurisdiction)
	}

	r.rules[rule.RuleID] = rule

	r.logger.Info("Rule registered",
		zap.String("rule_id", rule.RuleID),
		zap.String("jurisdiction", rule.Jurisdiction),
	)

	return nil
}

func (r *Registry) loadDefaultRules() {
	defaultRules := []*RuleDefinition{
		{
			RuleID:        "EU-CRR-ART92",
			Name:          "Capital Requirements Regulation Art. 92 Own Funds",
			Jurisdiction:  "EU_CENTRAL",
			Framework:     "BASEL_III",
			EffectiveDate: time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC),
			Requirements: []string{
				"CET1 capital ratio of 4.5%",
				"Tier 1 capital ratio of 6%",
				"Total capital ratio of 8%",
			},
			Tags: []string{"capital", "prudential"},
		},
		{
			RuleID:        "EU-AMLD5-ART13",
			Name:          "Fifth Anti-Money Laundering Directive Customer Due Diligence",
			Jurisdiction:  "EU_CENTRAL",
			Framework:     "AML",
			EffectiveDate: time.Date(2020, 1, 10, 0, 0, 0, 0, time.UTC),
			Requirements: []string{
				"Customer identification and verification",
				"Beneficial ownership identification",
				"Ongoing transaction monitoring",
			},
			Tags: []string{"AML", "KYC"},
		},
		{
			RuleID:        "US-BSA-CTR",
			Name:          "Bank Secrecy Act Currency Transaction Reporting",
			Jurisdiction:  "US_FEDERAL",
			Framework:     "AML",
			EffectiveDate: time.Date(1970, 10, 26, 0, 0, 0, 0, time.UTC),
			Requirements: []string{
				"CTR filing for transactions over $10,000",
				"SAR filing for suspicious activities",
				"Record keeping requirements",
			},
			Tags: []string{"AML", "BSA", "FinCEN"},
		},
		{
			RuleID:        "US-SOX-404",
			Name:          "Sarbanes-Oxley Section 404 Internal Controls",
			Jurisdiction:  "US_FEDERAL",
			Framework:     "FINANCIAL_REPORTING",
			EffectiveDate: time.Date(2004, 11, 15, 0, 0, 0, 0, time.UTC),
			Requirements: []string{
				"Internal controls over financial reporting",
				"Management assessment of controls",
				"Auditor attestation",
			},
			Tags: []string{"SOX", "financial-reporting"},
		},
		{
			RuleID:        "UK-SMCR-COND",
			Name:          "Senior Managers and Certification Regime Conduct Rules",
			Jurisdiction:  "UK_FCA",
			Framework:     "CONDUCT",
			EffectiveDate: time.Date(2019, 12, 9, 0, 0, 0, 0, time.UTC),
			Requirements: []string{
				"Senior manager accountability mapping",
				"Certification of material risk takers",
				"Conduct rule breach reporting",
			},
			Tags: []string{"conduct", "governance"},
		},
		{
			RuleID:        "SG-MAS-626",
			Name:          "MAS Notice 626 Prevention of Money Laundering",
			Jurisdiction:  "APAC_MAS",
			Framework:     "AML",
			EffectiveDate: time.Date(2015, 11, 30, 0, 0, 0, 0, time.UTC),
			Requirements: []string{
				"Customer due diligence measures",
				"Suspicious transaction reporting",
				"Enhanced measures for higher risk categories",
			},
			Tags: []string{"AML", "MAS"},
		},
	}

	for _, rule := range defaultRules {
		if r.jurisdictions[rule.Jurisdiction] {
			r.rules[rule.RuleID] = rule
		}
	}

	r.logger.Info("Default rule catalog loaded", zap.Int("count", len(r.rules)))
}
