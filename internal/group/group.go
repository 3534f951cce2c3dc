// Package group implements the Group Matcher (C3): compiling a list of
// named request-predicate groups into a boolean filter applied per
// request. Predicates are pure functions of the request; no side effects.
package group

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/coregate/gateway/internal/config"
)

// Predicate matches when every stated field matches.
type Predicate struct {
	method string
	urlRe  *regexp.Regexp
}

func (p Predicate) Match(r *http.Request) bool {
	if p.method != "" && !strings.EqualFold(p.method, r.Method) {
		return false
	}
	if p.urlRe != nil && !p.urlRe.MatchString(r.URL.Path) {
		return false
	}
	return true
}

// Group is a named set of predicates; it matches a request when any of
// its predicates matches.
type Group struct {
	Name       string
	Predicates []Predicate
}

func (g Group) Match(r *http.Request) bool {
	for _, p := range g.Predicates {
		if p.Match(r) {
			return true
		}
	}
	return false
}

// Compile turns a list of group configs into a lookup by name. Path
// regexes are compiled (and thus validated) once, here, rather than per
// request.
func Compile(cfgs []config.GroupConfig) (map[string]Group, error) {
	groups := make(map[string]Group, len(cfgs))
	for _, gc := range cfgs {
		if _, dup := groups[gc.Name]; dup {
			return nil, fmt.Errorf("duplicate group name %q", gc.Name)
		}
		preds := make([]Predicate, 0, len(gc.Predicates))
		for _, pc := range gc.Predicates {
			p := Predicate{method: pc.Method}
			if pc.URL != "" {
				re, err := regexp.Compile(pc.URL)
				if err != nil {
					return nil, fmt.Errorf("group %q: invalid predicate url %q: %w", gc.Name, pc.URL, err)
				}
				p.urlRe = re
			}
			preds = append(preds, p)
		}
		groups[gc.Name] = Group{Name: gc.Name, Predicates: preds}
	}
	return groups, nil
}

// Filter is the union of predicates across a set of referenced groups,
// compiled once and evaluated per request.
type Filter struct {
	groups []Group
}

// Match reports whether the request matches. A nil *Filter (no group
// reference on the owning middleware entry) always matches — the filter
// is absent, so the stage applies unconditionally.
func (f *Filter) Match(r *http.Request) bool {
	if f == nil {
		return true
	}
	for _, g := range f.groups {
		if g.Match(r) {
			return true
		}
	}
	return false
}

// BuildAllowFilter resolves names against the compiled group set and
// returns the filter plus the resolved groups (for logging). An empty or
// missing names list means no filter — the stage applies unconditionally.
func BuildAllowFilter(all map[string]Group, names []string) (*Filter, []Group, error) {
	if len(names) == 0 {
		return nil, nil, nil
	}
	resolved := make([]Group, 0, len(names))
	for _, n := range names {
		g, ok := all[n]
		if !ok {
			return nil, nil, fmt.Errorf("unknown group %q", n)
		}
		resolved = append(resolved, g)
	}
	return &Filter{groups: resolved}, resolved, nil
}
