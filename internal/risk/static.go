package risk

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

var (
	defaultHighKeywords = []string{
		"unlimited liability",
		"without limitation",
		"indemnify",
		"sole discretion",
		"irrevocable",
		"perpetual",
	}
	defaultMediumKeywords = []string{
		"terminate",
		"termination",
		"automatically renew",
		"exclusive",
		"penalty",
		"liquidated damages",
		"confidential",
	}
)

// StaticAssessor is an offline keyword assessor. Playbook rules may
// override the keyword lists with "high_keywords" and "medium_keywords" and
// map keywords to policy references with "policy_refs".
type StaticAssessor struct{}

// NewStaticAssessor returns the keyword assessor.
func NewStaticAssessor() *StaticAssessor {
	return &StaticAssessor{}
}

// Assess implements Assessor.
func (s *StaticAssessor) Assess(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	text := strings.ToLower(req.Heading + "\n" + req.ClauseText)
	high := matchKeywords(text, keywordsFromRules(req.PolicyRules, "high_keywords", defaultHighKeywords))
	medium := matchKeywords(text, keywordsFromRules(req.PolicyRules, "medium_keywords", defaultMediumKeywords))

	refMap := refsFromRules(req.PolicyRules)
	refs := make([]string, 0, len(high)+len(medium))
	for _, kw := range append(append([]string{}, high...), medium...) {
		if ref, ok := refMap[kw]; ok {
			refs = append(refs, ref)
		}
	}

	switch {
	case len(high) > 0:
		return Response{
			RiskLevel:  "HIGH",
			Rationale:  fmt.Sprintf("clause contains high-risk terms: %s", strings.Join(high, ", ")),
			PolicyRefs: refs,
		}, nil
	case len(medium) > 0:
		return Response{
			RiskLevel:  "MEDIUM",
			Rationale:  fmt.Sprintf("clause contains terms needing review: %s", strings.Join(medium, ", ")),
			PolicyRefs: refs,
		}, nil
	default:
		return Response{
			RiskLevel:  "LOW",
			Rationale:  "no policy-sensitive terms found",
			PolicyRefs: refs,
		}, nil
	}
}

func matchKeywords(text string, keywords []string) []string {
	var out []string
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			out = append(out, kw)
		}
	}
	return out
}

func keywordsFromRules(rules map[string]any, key string, fallback []string) []string {
	raw, ok := rules[key]
	if !ok {
		return fallback
	}
	list := CoercePolicyRefs(raw)
	out := make([]string, 0, len(list))
	for _, kw := range list {
		out = append(out, strings.ToLower(kw))
	}
	return out
}

func refsFromRules(rules map[string]any) map[string]string {
	out := map[string]string{}
	raw, ok := rules["policy_refs"].(map[string]any)
	if !ok {
		return out
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[strings.ToLower(k)] = fmt.Sprint(raw[k])
	}
	return out
}
