// Package policy implements country-based admission rules for inbound connections.
package policy

import (
	"sort"
	"strings"
)

// Action defines what to do with a connection.
type Action string

const (
	// Allow admits the connection.
	Allow Action = "allow"
	// Deny closes the connection without forwarding.
	Deny Action = "deny"
)

// Names of the rules reported with a Decision.
const (
	RuleUnknownCountry = "unknown_country"
	RuleBlockIfIn      = "block_if_in"
	RuleBlockIfNotIn   = "block_if_not_in"
	RuleNoRules        = "no_rules"
)

// CountrySet is a set of uppercase ISO-3166 country codes.
type CountrySet map[string]struct{}

// NewCountrySet builds a set from codes, trimming and upper-casing each and
// discarding empty entries.
func NewCountrySet(codes ...string) CountrySet {
	set := make(CountrySet, len(codes))
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			set[c] = struct{}{}
		}
	}
	return set
}

// Contains reports whether code is in the set.
func (s CountrySet) Contains(code string) bool {
	_, ok := s[code]
	return ok
}

// Codes returns the members in sorted order.
func (s CountrySet) Codes() []string {
	codes := make([]string, 0, len(s))
	for c := range s {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// Rules holds the two mutually exclusive blocking modes. When both are set,
// BlockIfIn takes precedence.
type Rules struct {
	BlockIfIn    CountrySet
	BlockIfNotIn CountrySet
}

// Decision is the outcome of evaluating a connection's country.
type Decision struct {
	Action Action
	Rule   string
}

// Blocked reports whether the decision rejects the connection.
func (d Decision) Blocked() bool { return d.Action == Deny }

// Evaluate applies rules to a country code. An empty code means the country
// is unknown, and unknown countries are always allowed.
func Evaluate(countryCode string, rules Rules) Decision {
	switch {
	case countryCode == "":
		return Decision{Action: Allow, Rule: RuleUnknownCountry}
	case len(rules.BlockIfIn) > 0:
		return decide(rules.BlockIfIn.Contains(countryCode), RuleBlockIfIn)
	case len(rules.BlockIfNotIn) > 0:
		return decide(!rules.BlockIfNotIn.Contains(countryCode), RuleBlockIfNotIn)
	default:
		return Decision{Action: Allow, Rule: RuleNoRules}
	}
}

// ShouldBlock reports whether a connection from countryCode must be rejected.
func ShouldBlock(countryCode string, rules Rules) bool {
	return Evaluate(countryCode, rules).Blocked()
}

func decide(block bool, rule string) Decision {
	if block {
		return Decision{Action: Deny, Rule: rule}
	}
	return Decision{Action: Allow, Rule: rule}
}
