package main

import (
	"bytes"
	"geogate/internal/config"
	"geogate/internal/geo"
	"geogate/internal/policy"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestPrintLookups(t *testing.T) {
	var out bytes.Buffer
	rules := policy.Rules{BlockIfNotIn: policy.NewCountrySet("JP", "KR")}
	lookup := geo.Static{"198.51.100.4": "DE", "198.51.100.5": "jp"}

	code := printLookups(lookup, rules, []string{"198.51.100.4", "198.51.100.5", "192.0.2.1", "bogus"}, &out)
	assert.Equal(t, 1, code, "an invalid address makes the command fail")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, []string{"IP", "COUNTRY", "ACTION", "RULE"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"198.51.100.4", "DE", "deny", "block_if_not_in"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"198.51.100.5", "JP", "allow", "block_if_not_in"}, strings.Fields(lines[2]))
	assert.Equal(t, []string{"192.0.2.1", "unknown", "allow", "unknown_country"}, strings.Fields(lines[3]))
	assert.Contains(t, lines[4], "invalid address")
}

func TestSampleConfigMatchesDefaults(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, yaml.Unmarshal([]byte(sampleConfigYAML), cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, config.Default(), cfg)
}
