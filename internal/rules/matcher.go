// Copyright (c) 2026 The DocFlow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rules stores per-sender processing rules and matches attachment
// filenames against their ordered regex classifiers.
package rules

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"github.com/docflow/pipeline/internal/models"
)

// Match returns the first enabled rule whose pattern matches the full
// filename, scanning in ascending rule order. Returns nil when nothing
// matches or the rule set is empty.
//
// Patterns are anchored: a rule matches the whole filename, never a
// substring. A pattern that fails to compile is logged and skipped without
// consuming its place in the order.
func Match(filename string, rules []models.AttachmentProcessingRule) *models.AttachmentProcessingRule {
	ordered := make([]models.AttachmentProcessingRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].RuleOrder < ordered[j].RuleOrder
	})

	for i := range ordered {
		rule := &ordered[i]
		if !rule.Enabled {
			continue
		}

		re, err := compileAnchored(rule.FilenamePattern)
		if err != nil {
			slog.Warn("skipping attachment rule with invalid pattern",
				"rule_id", rule.ID,
				"pattern", rule.FilenamePattern,
				"error", err,
			)
			continue
		}

		if re.MatchString(filename) {
			return rule
		}
	}

	return nil
}

// compileAnchored compiles a pattern so it must match the entire filename.
// User-supplied patterns may already carry ^/$ anchors; the \A(?:...)\z
// wrapper is harmless in that case.
func compileAnchored(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(fmt.Sprintf(`\A(?:%s)\z`, pattern))
}
