// Package testutil holds helpers shared by package tests.
package testutil

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CaptureLogs routes the global logger into t.Log for the duration of the test.
func CaptureLogs(t *testing.T) {
	t.Helper()
	prev := log.Logger
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: testWriter{t}, TimeFormat: time.RFC3339, NoColor: true}).
		With().Timestamp().Logger()
	t.Cleanup(func() { log.Logger = prev })
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (n int, err error) {
	tw.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}
