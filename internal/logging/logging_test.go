package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":      zerolog.DebugLevel,
		"dev":        zerolog.DebugLevel,
		"WARNING":    zerolog.WarnLevel,
		"production": zerolog.ErrorLevel,
		"":           zerolog.InfoLevel,
		"bogus":      zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("%q: expected %s, got %s", in, want, got)
		}
	}
}

func TestPionFactory_WritesScope(t *testing.T) {
	prev := log.Logger
	defer func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}()
	var buf bytes.Buffer
	Init(&buf, "debug", "json")

	l := PionFactory{}.NewLogger("ice")
	l.Warnf("candidate %d dropped", 3)

	out := buf.String()
	if !strings.Contains(out, `"scope":"ice"`) || !strings.Contains(out, "candidate 3 dropped") {
		t.Errorf("unexpected log output: %s", out)
	}
}
