package sysutil

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	orig := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(orig) })

	for in, want := range map[string]zerolog.Level{
		"  DeBuG ": zerolog.DebugLevel,
		"":         zerolog.InfoLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"fatal":    zerolog.FatalLevel,
		"panic":    zerolog.PanicLevel,
		"verbose":  zerolog.InfoLevel,
	} {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	SetLogLevel("warn")
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("SetLogLevel did not apply: %v", zerolog.GlobalLevel())
	}
}

func TestInitLogger_InstallsGlobalAndContextFallback(t *testing.T) {
	origLevel := zerolog.GlobalLevel()
	origLogger := log.Logger
	origCtx := zerolog.DefaultContextLogger
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(origLevel)
		log.Logger = origLogger
		zerolog.DefaultContextLogger = origCtx
	})

	var buf bytes.Buffer
	InitLogger(&buf, "warn", false, "autofix-test")
	if got := zerolog.GlobalLevel(); got != zerolog.WarnLevel {
		t.Fatalf("level = %v", got)
	}

	// A context without a logger falls back to the global one.
	log.Ctx(context.Background()).Warn().Msg("from worker")
	out := buf.String()
	if !strings.Contains(out, `"service":"autofix-test"`) || !strings.Contains(out, "from worker") {
		t.Fatalf("unexpected output: %s", out)
	}

	buf.Reset()
	log.Info().Msg("filtered")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level: %s", buf.String())
	}
}

func TestFirstNonEmpty(t *testing.T) {
	cases := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{" ", "\t"}, ""},
		{[]string{"", "autofix-backend"}, "autofix-backend"},
		{[]string{"svc", "autofix-backend"}, "svc"},
		{[]string{"  ", " keep spaces ", "x"}, " keep spaces "},
	}
	for _, tc := range cases {
		if got := FirstNonEmpty(tc.in...); got != tc.want {
			t.Errorf("FirstNonEmpty(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
