// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package ruleengine

import (
	"context"
	"os"

	"gopkg.in/yaml.v3"

	"compliancecore/model"
)

// ruleSetFile is the on-disk shape for bulk rule import/export
// (SPEC_FULL supplement, grounded on original_source's
// advanced_rule_engine_api_handlers.cpp bulk load/export endpoints).
type ruleSetFile struct {
	Rules []model.Rule `yaml:"rules"`
}

// LoadRuleSet reads a YAML rule bundle from path and creates or
// replaces each rule it names. A rule failing validation aborts the
// whole import before any rule in the file is written, so a bad bundle
// never partially lands.
func (e *Engine) LoadRuleSet(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file ruleSetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}
	for _, rule := range file.Rules {
		if err := validate(rule); err != nil {
			return err
		}
	}

	for _, rule := range file.Rules {
		if err := e.CreateRule(ctx, rule); err != nil {
			return err
		}
	}
	return nil
}

// ExportRuleSet writes every cached rule (enabled or not) to path as a
// YAML bundle readable by LoadRuleSet.
func (e *Engine) ExportRuleSet(path string) error {
	e.mu.RLock()
	rules := make([]model.Rule, 0, len(e.rules))
	for _, r := range e.rules {
		rules = append(rules, r)
	}
	e.mu.RUnlock()
	sortRulesByID(rules)

	data, err := yaml.Marshal(ruleSetFile{Rules: rules})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
