package matcher

import (
	"fmt"
	"regexp"
)

// Rule is the declarative, YAML-friendly encoding of one tree node.
// Exactly one field must be set per rule; nesting expresses the boolean
// structure. A top-level rule list is a disjunction (any rule bypasses).
//
//	bypass_rules:
//	  - all:
//	      - prefix: /api/factory
//	      - method: GET
//	  - prefix: /api/docs
//	  - regex: '^/api/builder/(\w+)/download/(.+)$'
type Rule struct {
	Prefix       string       `yaml:"prefix,omitempty"`
	Method       string       `yaml:"method,omitempty"`
	SegmentCount *int         `yaml:"segment_count,omitempty"`
	Segment      *SegmentRule `yaml:"segment,omitempty"`
	Regex        string       `yaml:"regex,omitempty"`
	QueryAbsent  string       `yaml:"query_absent,omitempty"`
	All          []Rule       `yaml:"all,omitempty"`
	Any          []Rule       `yaml:"any,omitempty"`
	Not          *Rule        `yaml:"not,omitempty"`
}

// SegmentRule matches one path segment by 1-based index.
type SegmentRule struct {
	Index int    `yaml:"index"`
	Value string `yaml:"value"`
}

// FromRules builds the bypass tree from a declarative rule list. The
// resulting tree matches when any rule matches. An empty list yields a
// tree that never matches (nothing is bypassed).
func FromRules(rules []Rule) (*Node, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	children := make([]*Node, 0, len(rules))
	for i, r := range rules {
		n, err := r.build()
		if err != nil {
			return nil, fmt.Errorf("bypass rule %d: %w", i, err)
		}
		children = append(children, n)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return Or(children...), nil
}

func (r Rule) build() (*Node, error) {
	set := 0
	if r.Prefix != "" {
		set++
	}
	if r.Method != "" {
		set++
	}
	if r.SegmentCount != nil {
		set++
	}
	if r.Segment != nil {
		set++
	}
	if r.Regex != "" {
		set++
	}
	if r.QueryAbsent != "" {
		set++
	}
	if len(r.All) > 0 {
		set++
	}
	if len(r.Any) > 0 {
		set++
	}
	if r.Not != nil {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("exactly one of prefix/method/segment_count/segment/regex/query_absent/all/any/not must be set, got %d", set)
	}

	switch {
	case r.Prefix != "":
		return UriPrefix(r.Prefix), nil
	case r.Method != "":
		return Method(r.Method), nil
	case r.SegmentCount != nil:
		return PathSegmentCount(*r.SegmentCount), nil
	case r.Segment != nil:
		if r.Segment.Index < 1 {
			return nil, fmt.Errorf("segment index must be >= 1, got %d", r.Segment.Index)
		}
		return PathSegmentValue(r.Segment.Index, r.Segment.Value), nil
	case r.Regex != "":
		re, err := regexp.Compile(r.Regex)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", r.Regex, err)
		}
		return Regex(re), nil
	case r.QueryAbsent != "":
		name := r.QueryAbsent
		return Predicate(func(req Request) bool {
			return req.QueryParam(name) == ""
		}), nil
	case len(r.All) > 0:
		children, err := buildAll(r.All)
		if err != nil {
			return nil, err
		}
		return And(children...), nil
	case len(r.Any) > 0:
		children, err := buildAll(r.Any)
		if err != nil {
			return nil, err
		}
		return Or(children...), nil
	default: // r.Not != nil
		child, err := r.Not.build()
		if err != nil {
			return nil, err
		}
		return Not(child), nil
	}
}

func buildAll(rules []Rule) ([]*Node, error) {
	out := make([]*Node, 0, len(rules))
	for i, r := range rules {
		n, err := r.build()
		if err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}
		out = append(out, n)
	}
	return out, nil
}
