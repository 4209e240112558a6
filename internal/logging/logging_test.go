package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		want    zapcore.Level
		wantErr bool
	}{
		{name: "defaults", want: zapcore.InfoLevel},
		{name: "debug console", level: "debug", format: "console", want: zapcore.DebugLevel},
		{name: "warn json", level: "WARN", format: "json", want: zapcore.WarnLevel},
		{name: "bad level", level: "loud", wantErr: true},
		{name: "bad format", format: "xml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, log.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, log.Core().Enabled(tt.want-1))
			}
		})
	}
}

func TestMustPanics(t *testing.T) {
	assert.Panics(t, func() { Must("loud", "") })
}
