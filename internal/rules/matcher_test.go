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

package rules

import (
	"testing"

	"github.com/docflow/pipeline/internal/models"
)

func rule(id int64, order int, pattern string, enabled bool) models.AttachmentProcessingRule {
	return models.AttachmentProcessingRule{
		ID:              id,
		RuleOrder:       order,
		FilenamePattern: pattern,
		Source:          "src",
		Enabled:         enabled,
	}
}

func TestMatch_FirstMatchWins(t *testing.T) {
	ruleSet := []models.AttachmentProcessingRule{
		rule(1, 1, `^Bank.*\.csv$`, true),
		rule(2, 2, `^Invoice[0-9]+\.(pdf|PDF)$`, true),
	}

	got := Match("Invoice123.pdf", ruleSet)
	if got == nil {
		t.Fatal("expected a match, got none")
	}
	if got.ID != 2 {
		t.Errorf("matched rule ID = %d, want 2", got.ID)
	}
}

func TestMatch_LowestOrderWins(t *testing.T) {
	// Both patterns match; the lower order must win even when the slice
	// arrives unsorted.
	ruleSet := []models.AttachmentProcessingRule{
		rule(2, 5, `.*\.pdf`, true),
		rule(1, 1, `Invoice.*`, true),
	}

	got := Match("Invoice123.pdf", ruleSet)
	if got == nil {
		t.Fatal("expected a match, got none")
	}
	if got.ID != 1 {
		t.Errorf("matched rule ID = %d, want 1 (lowest order)", got.ID)
	}
}

func TestMatch_DisabledRulesSkipped(t *testing.T) {
	ruleSet := []models.AttachmentProcessingRule{
		rule(1, 1, `Invoice.*`, false),
		rule(2, 2, `Invoice.*`, true),
	}

	got := Match("Invoice123.pdf", ruleSet)
	if got == nil {
		t.Fatal("expected a match, got none")
	}
	if got.ID != 2 {
		t.Errorf("matched rule ID = %d, want 2 (rule 1 disabled)", got.ID)
	}
}

func TestMatch_AnchoredNotSubstring(t *testing.T) {
	ruleSet := []models.AttachmentProcessingRule{
		rule(1, 1, `Invoice[0-9]+`, true),
	}

	if got := Match("Old-Invoice123.pdf", ruleSet); got != nil {
		t.Errorf("substring must not match anchored pattern, got rule %d", got.ID)
	}
	if got := Match("Invoice123", ruleSet); got == nil {
		t.Error("full-filename match expected")
	}
}

func TestMatch_NoMatchAndEmptySet(t *testing.T) {
	ruleSet := []models.AttachmentProcessingRule{
		rule(1, 1, `^Bank.*\.csv$`, true),
	}

	if got := Match("report.xlsx", ruleSet); got != nil {
		t.Errorf("expected no match, got rule %d", got.ID)
	}
	if got := Match("report.xlsx", nil); got != nil {
		t.Errorf("empty rule set must not match, got rule %d", got.ID)
	}
}

func TestMatch_InvalidPatternSkippedWithoutBreakingOrder(t *testing.T) {
	ruleSet := []models.AttachmentProcessingRule{
		rule(1, 1, `([unclosed`, true),
		rule(2, 2, `Invoice.*`, true),
	}

	got := Match("Invoice123.pdf", ruleSet)
	if got == nil {
		t.Fatal("expected the valid rule to match")
	}
	if got.ID != 2 {
		t.Errorf("matched rule ID = %d, want 2", got.ID)
	}
}
