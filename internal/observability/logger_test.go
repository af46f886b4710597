package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		profile string
		wantErr bool
	}{
		{name: "structured info", level: "info", profile: "STRUCTURED"},
		{name: "lowercase profile", level: "debug", profile: "console"},
		{name: "empty profile", level: "warn", profile: ""},
		{name: "bad level", level: "loud", profile: "STRUCTURED", wantErr: true},
		{name: "bad profile", level: "info", profile: "fancy", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.level, tt.profile)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	require.NoError(t, InitCLILogger("debug", ProfileConsole))
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))

	err := InitCLILogger("nope", ProfileStructured)
	assert.Error(t, err)
	assert.NotNil(t, CLILogger)
	assert.False(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
}
