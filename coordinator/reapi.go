package coordinator

import "fmt"

// ReapiAction is the subset of Bazel's Remote Execution API Action message
// the adapter translates. This adapter covers command, arguments,
// environment, and platform properties used as capability requirements —
// enough to round-trip a build action, not a full REAPI implementation.
type ReapiAction struct {
	Arguments         []string
	EnvironmentVars   map[string]string
	PlatformProperties []string // e.g. "os:linux", "arch:amd64" — mapped to required capabilities
	TimeoutSeconds    int64
}

// ReapiExecuteResponse is the wire-level response translated back from an
// internal Result.
type ReapiExecuteResponse struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// ReapiAdapter translates between REAPI shapes and internal ActionRequest
// types. It is opt-in via Config.EnableReapi; calls made while disabled
// return ErrReapiDisabled.
type ReapiAdapter struct {
	coordinator *Coordinator
	enabled     bool
}

var ErrReapiDisabled = fmt.Errorf("coordinator: REAPI adapter is disabled")

func NewReapiAdapter(c *Coordinator) *ReapiAdapter {
	return &ReapiAdapter{coordinator: c, enabled: c.cfg.EnableReapi}
}

// Execute translates action into an ActionRequest, submits it through the
// coordinator's normal dispatch path, waits for the result, and translates
// it back.
func (a *ReapiAdapter) Execute(actionID string, action ReapiAction) (*ReapiExecuteResponse, error) {
	if !a.enabled {
		return nil, ErrReapiDisabled
	}

	req := &ActionRequest{
		ActionID:             actionID,
		Command:              action.Arguments,
		Env:                  action.EnvironmentVars,
		RequiredCapabilities: translatePlatform(action.PlatformProperties),
		TimeoutSeconds:       action.TimeoutSeconds,
	}

	ch := a.coordinator.Submit(req)
	msg := <-ch

	return &ReapiExecuteResponse{
		ExitCode: msg.ExitCode,
		Stdout:   msg.Stdout,
		Stderr:   msg.Stderr,
	}, nil
}

func translatePlatform(props []string) []string {
	// REAPI platform properties are already "key:value" strings; the
	// capability matcher treats them as opaque tags, so no transformation
	// is needed beyond passing them through.
	return props
}
