// Package summary evaluates declarative extraction rules over merged records
// and assembles one structured summary per participant and period.
package summary

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind names a rule variant.
type Kind string

const (
	KindFeature   Kind = "feature"
	KindSlider    Kind = "slider"
	KindHistogram Kind = "histogram"
	KindResponses Kind = "responses"
)

// Aggregations accepted by FeatureRule.
const (
	AggStats  = "stats"
	AggMean   = "mean"
	AggMedian = "median"
	AggSum    = "sum"
	AggMin    = "min"
	AggMax    = "max"
	AggCount  = "count"
)

var validAggregations = []string{AggStats, AggMean, AggMedian, AggSum, AggMin, AggMax, AggCount}

// ErrInvalidRules is wrapped by every rule set validation error.
var ErrInvalidRules = errors.New("invalid rule set")

// Base holds the fields every rule carries.
type Base struct {
	Name   string `yaml:"name" json:"name"`
	Metric string `yaml:"metric" json:"metric"`
	// TimeField overrides the default timestamp columns for this rule.
	TimeField string `yaml:"time_field,omitempty" json:"time_field,omitempty"`
}

// Rule is one named extraction rule. The set of implementations is closed.
type Rule interface {
	Kind() Kind
	Common() Base
	validate() error
	evaluate(v *rowView) (Result, error)
}

// FeatureRule aggregates a numeric column, optionally over rows where
// FilterField equals FilterValue.
type FeatureRule struct {
	Base        `yaml:",inline"`
	FilterField string `yaml:"filter_field,omitempty" json:"filter_field,omitempty"`
	FilterValue string `yaml:"filter_value,omitempty" json:"filter_value,omitempty"`
	ValueField  string `yaml:"value_field" json:"value_field"`
	Unit        string `yaml:"unit,omitempty" json:"unit,omitempty"`
	Aggregation string `yaml:"aggregation,omitempty" json:"aggregation,omitempty"`
}

// SliderRule summarizes numeric questionnaire answers whose question id has
// TargetPrefix. Answers are stored as <AnswersBase>.<i>.questionId and
// <AnswersBase>.<i>.<ValueSuffix> columns.
type SliderRule struct {
	Base         `yaml:",inline"`
	AnswersBase  string   `yaml:"answers_base" json:"answers_base"`
	TargetPrefix string   `yaml:"target_prefix" json:"target_prefix"`
	ValueSuffix  string   `yaml:"value_suffix" json:"value_suffix"`
	Min          *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max          *float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

// HistogramRule counts the answers given to one question. When Buckets is
// set, answers outside it are counted under "other".
type HistogramRule struct {
	Base        `yaml:",inline"`
	AnswersBase string   `yaml:"answers_base" json:"answers_base"`
	QuestionID  string   `yaml:"question_id" json:"question_id"`
	ValueSuffix string   `yaml:"value_suffix" json:"value_suffix"`
	Buckets     []string `yaml:"buckets,omitempty" json:"buckets,omitempty"`
}

// ResponsesRule counts questionnaire submissions and the days they span.
type ResponsesRule struct {
	Base `yaml:",inline"`
}

func (r *FeatureRule) Kind() Kind   { return KindFeature }
func (r *SliderRule) Kind() Kind    { return KindSlider }
func (r *HistogramRule) Kind() Kind { return KindHistogram }
func (r *ResponsesRule) Kind() Kind { return KindResponses }

func (r *FeatureRule) Common() Base   { return r.Base }
func (r *SliderRule) Common() Base    { return r.Base }
func (r *HistogramRule) Common() Base { return r.Base }
func (r *ResponsesRule) Common() Base { return r.Base }

func (b Base) validate() error {
	if b.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if b.Metric == "" {
		return fmt.Errorf("rule %q: metric is required", b.Name)
	}
	return nil
}

func (r *FeatureRule) validate() error {
	if err := r.Base.validate(); err != nil {
		return err
	}
	if r.ValueField == "" {
		return fmt.Errorf("rule %q: value_field is required", r.Name)
	}
	if (r.FilterField == "") != (r.FilterValue == "") {
		return fmt.Errorf("rule %q: filter_field and filter_value must be set together", r.Name)
	}
	if r.Aggregation != "" && !contains(validAggregations, r.Aggregation) {
		return fmt.Errorf("rule %q: aggregation must be one of %v, got %q", r.Name, validAggregations, r.Aggregation)
	}
	return nil
}

func (r *SliderRule) validate() error {
	if err := r.Base.validate(); err != nil {
		return err
	}
	if r.AnswersBase == "" || r.ValueSuffix == "" {
		return fmt.Errorf("rule %q: answers_base and value_suffix are required", r.Name)
	}
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return fmt.Errorf("rule %q: min %v is greater than max %v", r.Name, *r.Min, *r.Max)
	}
	return nil
}

func (r *HistogramRule) validate() error {
	if err := r.Base.validate(); err != nil {
		return err
	}
	if r.AnswersBase == "" || r.QuestionID == "" || r.ValueSuffix == "" {
		return fmt.Errorf("rule %q: answers_base, question_id and value_suffix are required", r.Name)
	}
	return nil
}

func (r *ResponsesRule) validate() error {
	return r.Base.validate()
}

// RuleSet is the ordered list of rules applied to every summary.
type RuleSet struct {
	Rules []Rule
}

// Validate checks every rule and rejects duplicate names.
func (rs *RuleSet) Validate() error {
	seen := make(map[string]bool)
	for _, r := range rs.Rules {
		if err := r.validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRules, err)
		}
		name := r.Common().Name
		if seen[name] {
			return fmt.Errorf("%w: duplicate rule name %q", ErrInvalidRules, name)
		}
		seen[name] = true
	}
	return nil
}

// Metrics returns the distinct metrics referenced by the rules, in rule order.
func (rs *RuleSet) Metrics() []string {
	var out []string
	for _, r := range rs.Rules {
		m := r.Common().Metric
		if !contains(out, m) {
			out = append(out, m)
		}
	}
	return out
}

// Add appends rules.
func (rs *RuleSet) Add(rules ...Rule) {
	rs.Rules = append(rs.Rules, rules...)
}

// Fingerprint identifies the rule set's content for cache keys.
func (rs *RuleSet) Fingerprint() string {
	h := sha256.New()
	for _, r := range rs.Rules {
		data, _ := json.Marshal(r)
		fmt.Fprintf(h, "%s:%s\n", r.Kind(), data)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// UnmarshalYAML decodes a rules document:
//
//	rules:
//	  - kind: feature
//	    name: steps
//	    ...
func (rs *RuleSet) UnmarshalYAML(node *yaml.Node) error {
	var doc struct {
		Rules []yaml.Node `yaml:"rules"`
	}
	if err := node.Decode(&doc); err != nil {
		return err
	}
	for i := range doc.Rules {
		n := &doc.Rules[i]
		var head struct {
			Kind Kind `yaml:"kind"`
		}
		if err := n.Decode(&head); err != nil {
			return err
		}
		var r Rule
		switch head.Kind {
		case KindFeature, "":
			r = &FeatureRule{}
		case KindSlider:
			r = &SliderRule{}
		case KindHistogram:
			r = &HistogramRule{}
		case KindResponses:
			r = &ResponsesRule{}
		default:
			return fmt.Errorf("line %d: unknown rule kind %q", n.Line, head.Kind)
		}
		if err := n.Decode(r); err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		rs.Rules = append(rs.Rules, r)
	}
	return nil
}

// MarshalYAML writes the rules with their kind.
func (rs RuleSet) MarshalYAML() (interface{}, error) {
	out := make([]yaml.Node, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		var n yaml.Node
		if err := n.Encode(r); err != nil {
			return nil, err
		}
		kind := []*yaml.Node{
			{Kind: yaml.ScalarNode, Value: "kind"},
			{Kind: yaml.ScalarNode, Value: string(r.Kind())},
		}
		n.Content = append(kind, n.Content...)
		out = append(out, n)
	}
	return map[string]interface{}{"rules": out}, nil
}

// LoadRules reads and validates a YAML rules file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// ParseFeatureFlag parses the colon-separated feature syntax:
//
//	name:metric:time_field:filter_field:filter_value:value_field
//	name:metric:time_field:value_field:unit
func ParseFeatureFlag(s string) (*FeatureRule, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 6:
		return &FeatureRule{
			Base:        Base{Name: parts[0], Metric: parts[1], TimeField: parts[2]},
			FilterField: parts[3],
			FilterValue: parts[4],
			ValueField:  parts[5],
		}, nil
	case 5:
		return &FeatureRule{
			Base:       Base{Name: parts[0], Metric: parts[1], TimeField: parts[2]},
			ValueField: parts[3],
			Unit:       parts[4],
		}, nil
	default:
		return nil, fmt.Errorf("invalid feature flag %q: expected 5 or 6 colon-separated fields", s)
	}
}

// ParseQuestionnaireFlag parses "metric:time_field" into a responses counter
// named after the metric.
func ParseQuestionnaireFlag(s string) (*ResponsesRule, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid questionnaire flag %q: expected metric:time_field", s)
	}
	return &ResponsesRule{Base: Base{Name: parts[0], Metric: parts[0], TimeField: parts[1]}}, nil
}

// ParseSliderFlag parses name:metric:answers_base:target_prefix:value_suffix:time_field.
func ParseSliderFlag(s string) (*SliderRule, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return nil, fmt.Errorf("invalid questionnaire slider flag %q: expected 6 colon-separated fields", s)
	}
	return &SliderRule{
		Base:         Base{Name: parts[0], Metric: parts[1], TimeField: parts[5]},
		AnswersBase:  parts[2],
		TargetPrefix: parts[3],
		ValueSuffix:  parts[4],
	}, nil
}

// ParseHistogramFlag parses name:metric:answers_base:question_id:value_suffix:time_field.
func ParseHistogramFlag(s string) (*HistogramRule, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return nil, fmt.Errorf("invalid questionnaire histogram flag %q: expected 6 colon-separated fields", s)
	}
	return &HistogramRule{
		Base:        Base{Name: parts[0], Metric: parts[1], TimeField: parts[5]},
		AnswersBase: parts[2],
		QuestionID:  parts[3],
		ValueSuffix: parts[4],
	}, nil
}

// Flags collects rule definitions given on the command line.
type Flags struct {
	Features      []string
	Questionnaire []string
	Sliders       []string
	Histograms    []string
}

// RuleSet parses every flag into a rule set.
func (f Flags) RuleSet() (*RuleSet, error) {
	rs := &RuleSet{}
	for _, s := range f.Features {
		r, err := ParseFeatureFlag(s)
		if err != nil {
			return nil, err
		}
		rs.Add(r)
	}
	for _, s := range f.Questionnaire {
		r, err := ParseQuestionnaireFlag(s)
		if err != nil {
			return nil, err
		}
		rs.Add(r)
	}
	for _, s := range f.Sliders {
		r, err := ParseSliderFlag(s)
		if err != nil {
			return nil, err
		}
		rs.Add(r)
	}
	for _, s := range f.Histograms {
		r, err := ParseHistogramFlag(s)
		if err != nil {
			return nil, err
		}
		rs.Add(r)
	}
	return rs, nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
