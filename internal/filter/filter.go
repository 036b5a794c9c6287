// Package filter provides host filtering for ssh-fleet.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"ssh-fleet/internal/target"
)

// Filter represents a host filter condition
type Filter interface {
	// Match returns true if the target matches the filter condition
	Match(target target.Target) bool
	// String returns a human-readable description of the filter
	String() string
}

// HostFilter filters hosts by hostname pattern. Patterns compile once at
// construction; regex patterns match anywhere in the hostname, wildcard
// patterns must match the whole name.
type HostFilter struct {
	pattern string
	isRegex bool
	re      *regexp.Regexp
}

// NewHostFilter creates a hostname filter from a regex or wildcard pattern
func NewHostFilter(pattern string, isRegex bool) (*HostFilter, error) {
	src := pattern
	if !isRegex {
		src = "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
	}

	re, err := regexp.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("invalid host pattern '%s': %w", pattern, err)
	}

	return &HostFilter{
		pattern: pattern,
		isRegex: isRegex,
		re:      re,
	}, nil
}

// Match checks if the target hostname matches the pattern
func (f *HostFilter) Match(target target.Target) bool {
	return f.re.MatchString(target.Host)
}

// String returns a description of the host filter
func (f *HostFilter) String() string {
	if f.isRegex {
		return fmt.Sprintf("host regex: %s", f.pattern)
	}
	return fmt.Sprintf("host pattern: %s", f.pattern)
}

// TagFilter filters hosts by inventory group tags
type TagFilter struct {
	RequiredTags []string
	ExcludeTags  []string
}

// NewTagFilter creates a new tag-based filter
func NewTagFilter(required, excluded []string) *TagFilter {
	return &TagFilter{
		RequiredTags: required,
		ExcludeTags:  excluded,
	}
}

// Match checks if target has required tags and doesn't have excluded tags
func (f *TagFilter) Match(target target.Target) bool {
	targetTags := make(map[string]bool)
	for _, tag := range target.Tags {
		targetTags[strings.ToLower(tag)] = true
	}

	for _, required := range f.RequiredTags {
		if !targetTags[strings.ToLower(required)] {
			return false
		}
	}

	for _, excluded := range f.ExcludeTags {
		if targetTags[strings.ToLower(excluded)] {
			return false
		}
	}

	return true
}

// String returns a description of the tag filter
func (f *TagFilter) String() string {
	var parts []string
	if len(f.RequiredTags) > 0 {
		parts = append(parts, fmt.Sprintf("tags: %s", strings.Join(f.RequiredTags, ",")))
	}
	if len(f.ExcludeTags) > 0 {
		parts = append(parts, fmt.Sprintf("!tags: %s", strings.Join(f.ExcludeTags, ",")))
	}
	return strings.Join(parts, " AND ")
}

// PropertyFilter filters hosts by inventory host variables
type PropertyFilter struct {
	Property string
	Value    string
}

// NewPropertyFilter creates a new property-based filter
func NewPropertyFilter(property, value string) *PropertyFilter {
	return &PropertyFilter{
		Property: property,
		Value:    value,
	}
}

// Match checks if the target property equals the filter value
func (f *PropertyFilter) Match(target target.Target) bool {
	propValue, exists := target.Properties[f.Property]
	if !exists {
		return false
	}
	return strings.EqualFold(propValue, f.Value)
}

// String returns a description of the property filter
func (f *PropertyFilter) String() string {
	return fmt.Sprintf("%s = %s", f.Property, f.Value)
}

// FilterTargets applies filters to a list of targets and returns the
// targets matching all of them, preserving input order
func FilterTargets(targets []target.Target, filters ...Filter) []target.Target {
	if len(filters) == 0 {
		return targets
	}

	var filtered []target.Target
	for _, tgt := range targets {
		match := true
		for _, f := range filters {
			if !f.Match(tgt) {
				match = false
				break
			}
		}
		if match {
			filtered = append(filtered, tgt)
		}
	}

	return filtered
}

// ParseFilterExpression parses a filter expression string.
// Format: "host:^web tag:prod,!staging property:env=production"
// Host patterns prefixed with "regex:" (or starting with a regex
// metacharacter like ^) are treated as regular expressions; otherwise
// simple * wildcards apply.
func ParseFilterExpression(expression string) ([]Filter, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, nil
	}

	var filters []Filter
	for _, part := range strings.Fields(expression) {
		switch {
		case strings.HasPrefix(part, "host:"):
			pattern := strings.TrimPrefix(part, "host:")
			isRegex := strings.HasPrefix(pattern, "regex:")
			if isRegex {
				pattern = strings.TrimPrefix(pattern, "regex:")
			} else if strings.ContainsAny(pattern, "^$[](){}|+") {
				isRegex = true
			}
			f, err := NewHostFilter(pattern, isRegex)
			if err != nil {
				return nil, err
			}
			filters = append(filters, f)

		case strings.HasPrefix(part, "tag:"):
			var required, excluded []string
			for _, tag := range strings.Split(strings.TrimPrefix(part, "tag:"), ",") {
				if strings.HasPrefix(tag, "!") {
					excluded = append(excluded, strings.TrimPrefix(tag, "!"))
				} else if tag != "" {
					required = append(required, tag)
				}
			}
			filters = append(filters, NewTagFilter(required, excluded))

		case strings.HasPrefix(part, "property:"):
			propSpec := strings.TrimPrefix(part, "property:")
			propParts := strings.SplitN(propSpec, "=", 2)
			if len(propParts) != 2 {
				return nil, fmt.Errorf("invalid property filter '%s': expected property:name=value", part)
			}
			filters = append(filters, NewPropertyFilter(propParts[0], propParts[1]))

		default:
			return nil, fmt.Errorf("unknown filter term '%s'", part)
		}
	}

	return filters, nil
}
