package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpec_FingerprintIsStableAndOrderIndependentOfMapIteration(t *testing.T) {
	s := Spec{Network: NetworkOff, EnvAllowlist: []string{"PATH", "HOME"}, Limits: ResourceLimits{CPUShares: 2}}
	a := s.Fingerprint()
	b := s.Fingerprint()
	assert.Equal(t, a, b)
}

func TestSpec_FingerprintDiffersOnNetworkPolicy(t *testing.T) {
	off := Spec{Network: NetworkOff}
	full := Spec{Network: NetworkFull}
	assert.NotEqual(t, off.Fingerprint(), full.Fingerprint())
}

func TestProcessRunner_RunCapturesStdoutAndExitCode(t *testing.T) {
	r := NewProcessRunner()
	spec := Spec{ScratchDir: t.TempDir(), EnvAllowlist: []string{"PATH"}}

	res, err := r.Run(context.Background(), spec, []string{"echo", "hi there"}, map[string]string{"PATH": "/usr/bin:/bin"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, string(res.Stdout), "hi there")
}

func TestProcessRunner_RunReportsNonZeroExitCode(t *testing.T) {
	r := NewProcessRunner()
	spec := Spec{ScratchDir: t.TempDir()}

	res, err := r.Run(context.Background(), spec, []string{"false"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
}

func TestProcessRunner_RunRejectsEmptyCommand(t *testing.T) {
	r := NewProcessRunner()
	_, err := r.Run(context.Background(), Spec{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestProcessRunner_RunHonorsContextCancellation(t *testing.T) {
	r := NewProcessRunner()
	r.KillGrace = 50 * time.Millisecond
	spec := Spec{ScratchDir: t.TempDir()}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, spec, []string{"sleep", "5"}, nil, nil)
	assert.NoError(t, err)
}
