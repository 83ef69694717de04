package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	cases := []struct {
		name  string
		level string
		env   string
		want  zapcore.Level
	}{
		{name: "production default", env: "production", want: zapcore.InfoLevel},
		{name: "development default", env: "Development", want: zapcore.DebugLevel},
		{name: "local default", env: "local", want: zapcore.DebugLevel},
		{name: "explicit level", level: " warn ", env: "development", want: zapcore.WarnLevel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logger, err := New(tc.level, tc.env)
			if err != nil {
				t.Fatalf("New returned error: %v", err)
			}
			defer logger.Sync()

			if !logger.Core().Enabled(tc.want) {
				t.Fatalf("expected %s to be enabled", tc.want)
			}
			if tc.want > zapcore.DebugLevel && logger.Core().Enabled(tc.want-1) {
				t.Fatalf("expected %s to be disabled", tc.want-1)
			}
		})
	}
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	if _, err := New("verbose", "production"); err == nil {
		t.Fatal("expected an unknown level to be rejected")
	}
}
