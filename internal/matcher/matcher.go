// Package matcher implements the boolean expression tree that decides
// whether SSO enforcement applies to an inbound request.
//
// Trees are built once at startup (from code or from declarative rules,
// see rules.go) and are immutable afterwards, so they can be shared
// across concurrent request handlers without synchronization. Evaluation
// is pure and total over all requests: a missing attribute makes the
// leaf evaluate to false, never an error.
package matcher

import (
	"regexp"
	"strings"
)

// Request carries the attributes of an inbound HTTP request that leaves
// can test. Query values are the first value per parameter.
type Request struct {
	Path   string
	Method string
	Query  map[string]string
}

// QueryParam returns the value of a query parameter, "" when absent.
func (r Request) QueryParam(name string) string {
	if r.Query == nil {
		return ""
	}
	return r.Query[name]
}

// segments returns the slash-delimited path segments, ignoring the
// leading slash and a trailing slash. "/api/factory" -> ["api" "factory"].
func (r Request) segments() []string {
	p := strings.Trim(r.Path, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

type op int

const (
	opPrefix op = iota
	opMethod
	opSegmentCount
	opSegmentValue
	opRegex
	opPredicate
	opAnd
	opOr
	opNot
)

// Node is one node of the expression tree. Construct nodes only through
// the functions in this package; a Node is immutable once built.
type Node struct {
	op       op
	str      string // prefix, method or segment value
	n        int    // segment count or 1-based segment index
	re       *regexp.Regexp
	pred     func(Request) bool
	children []*Node
}

// UriPrefix matches requests whose path starts with prefix.
func UriPrefix(prefix string) *Node {
	return &Node{op: opPrefix, str: prefix}
}

// Method matches requests with the given HTTP method, case-insensitively.
func Method(verb string) *Node {
	return &Node{op: opMethod, str: verb}
}

// PathSegmentCount matches paths with exactly n slash-delimited segments.
func PathSegmentCount(n int) *Node {
	return &Node{op: opSegmentCount, n: n}
}

// PathSegmentValue matches paths whose index-th segment (1-based) equals
// value. Paths with fewer segments do not match; that is not an error.
func PathSegmentValue(index int, value string) *Node {
	return &Node{op: opSegmentValue, n: index, str: value}
}

// Regex matches paths against a compiled regular expression.
func Regex(re *regexp.Regexp) *Node {
	return &Node{op: opRegex, re: re}
}

// MustRegex compiles pattern and returns a Regex node. It panics on an
// invalid pattern, so it is only for trees built in code at startup.
func MustRegex(pattern string) *Node {
	return Regex(regexp.MustCompile(pattern))
}

// Predicate matches requests for which fn returns true. fn must be pure.
func Predicate(fn func(Request) bool) *Node {
	return &Node{op: opPredicate, pred: fn}
}

// And matches when all children match. Evaluation short-circuits on the
// first non-matching child.
func And(children ...*Node) *Node {
	return &Node{op: opAnd, children: append([]*Node(nil), children...)}
}

// Or matches when any child matches. Evaluation short-circuits on the
// first matching child.
func Or(children ...*Node) *Node {
	return &Node{op: opOr, children: append([]*Node(nil), children...)}
}

// Not negates its child.
func Not(child *Node) *Node {
	return &Node{op: opNot, children: []*Node{child}}
}

// Matches evaluates the tree against a request. A nil node never matches.
func (n *Node) Matches(r Request) bool {
	if n == nil {
		return false
	}
	switch n.op {
	case opPrefix:
		return n.str != "" && strings.HasPrefix(r.Path, n.str)
	case opMethod:
		return r.Method != "" && strings.EqualFold(r.Method, n.str)
	case opSegmentCount:
		return len(r.segments()) == n.n
	case opSegmentValue:
		segs := r.segments()
		if n.n < 1 || n.n > len(segs) {
			return false
		}
		return segs[n.n-1] == n.str
	case opRegex:
		return n.re != nil && n.re.MatchString(r.Path)
	case opPredicate:
		return n.pred != nil && n.pred(r)
	case opAnd:
		for _, c := range n.children {
			if !c.Matches(r) {
				return false
			}
		}
		return true
	case opOr:
		for _, c := range n.children {
			if c.Matches(r) {
				return true
			}
		}
		return false
	case opNot:
		if len(n.children) != 1 {
			return false
		}
		return !n.children[0].Matches(r)
	}
	return false
}
