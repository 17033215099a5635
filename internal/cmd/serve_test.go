package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/opswatch/internal/server"
	"github.com/3leaps/opswatch/pkg/engine"
)

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		wantErr    bool
		errContain string
	}{
		{name: "all fields valid", binaryName: "opswatch", envPrefix: "OPSWATCH", configName: "opswatch"},
		{name: "missing binary name", envPrefix: "OPSWATCH", configName: "opswatch", wantErr: true, errContain: "missing binary name"},
		{name: "missing env prefix", binaryName: "opswatch", configName: "opswatch", wantErr: true, errContain: "missing env prefix"},
		{name: "missing config name", binaryName: "opswatch", envPrefix: "OPSWATCH", wantErr: true, errContain: "missing config name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}

			err := checker.CheckHealth(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type scriptedTicker struct {
	err error
}

func (s scriptedTicker) Tick(context.Context, engine.TickOptions) (*engine.TickResult, error) {
	return &engine.TickResult{}, s.err
}

func TestLoopHealthChecker(t *testing.T) {
	t.Run("healthy before the first tick", func(t *testing.T) {
		loop := server.NewLoop(scriptedTicker{}, time.Minute, engine.TickOptions{}, nil)
		assert.NoError(t, loopHealthChecker{loop: loop}.CheckHealth(context.Background()))
	})

	t.Run("partial failure stays healthy", func(t *testing.T) {
		loop := server.NewLoop(scriptedTicker{err: engine.ErrNoDestination}, time.Minute, engine.TickOptions{}, nil)
		loop.TickNow(context.Background())
		assert.NoError(t, loopHealthChecker{loop: loop}.CheckHealth(context.Background()))
	})

	t.Run("blocking tick is unhealthy", func(t *testing.T) {
		loop := server.NewLoop(scriptedTicker{err: engine.ErrUnknownJob}, time.Minute, engine.TickOptions{}, nil)
		loop.TickNow(context.Background())
		assert.Error(t, loopHealthChecker{loop: loop}.CheckHealth(context.Background()))
	})
}
