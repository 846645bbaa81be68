package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var sampleCodes = []string{"CN", "US", "DE", "JP", "KR", "BR", "RU", "FR"}

func TestBlockIfInSingleCountry(t *testing.T) {
	for _, c := range sampleCodes {
		rules := Rules{BlockIfIn: NewCountrySet(c)}
		assert.True(t, ShouldBlock(c, rules), "%s should be blocked", c)
		for _, other := range sampleCodes {
			if other != c {
				assert.False(t, ShouldBlock(other, rules), "%s should be allowed when only %s is blocked", other, c)
			}
		}
	}
}

func TestBlockIfInTakesPrecedence(t *testing.T) {
	rules := Rules{
		BlockIfIn:    NewCountrySet("CN"),
		BlockIfNotIn: NewCountrySet("JP", "KR"),
	}
	inOnly := Rules{BlockIfIn: rules.BlockIfIn}

	for _, c := range sampleCodes {
		assert.Equal(t, ShouldBlock(c, inOnly), ShouldBlock(c, rules), "country %s", c)
	}
	// DE is outside BLOCK_IF_NOT_IN but block-if-in alone decides.
	assert.False(t, ShouldBlock("DE", rules))
	assert.Equal(t, RuleBlockIfIn, Evaluate("DE", rules).Rule)
}

func TestUnknownCountryAlwaysAllowed(t *testing.T) {
	ruleSets := []Rules{
		{},
		{BlockIfIn: NewCountrySet("CN")},
		{BlockIfNotIn: NewCountrySet("JP")},
		{BlockIfIn: NewCountrySet("CN"), BlockIfNotIn: NewCountrySet("JP")},
	}
	for _, rules := range ruleSets {
		d := Evaluate("", rules)
		assert.Equal(t, Allow, d.Action)
		assert.Equal(t, RuleUnknownCountry, d.Rule)
	}
}

func TestNoRulesAllowsEverything(t *testing.T) {
	for _, c := range sampleCodes {
		d := Evaluate(c, Rules{})
		assert.False(t, d.Blocked())
		assert.Equal(t, RuleNoRules, d.Rule)
	}
	assert.False(t, ShouldBlock("CN", Rules{BlockIfIn: NewCountrySet(), BlockIfNotIn: NewCountrySet("")}))
}

func TestBlockIfNotIn(t *testing.T) {
	rules := Rules{BlockIfNotIn: NewCountrySet("JP", "KR")}

	assert.True(t, ShouldBlock("DE", rules))
	assert.False(t, ShouldBlock("JP", rules))
	assert.False(t, ShouldBlock("KR", rules))
	assert.Equal(t, Decision{Action: Deny, Rule: RuleBlockIfNotIn}, Evaluate("US", rules))
}

func TestNewCountrySet(t *testing.T) {
	set := NewCountrySet(" cn", "", "us ", "  ", "CN")

	assert.Len(t, set, 2)
	assert.True(t, set.Contains("CN"))
	assert.True(t, set.Contains("US"))
	assert.False(t, set.Contains("cn"))
	assert.Equal(t, []string{"CN", "US"}, set.Codes())
}
