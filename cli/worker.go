package cli

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"forge.build/action"
	"forge.build/coordinator"
	"forge.build/sandbox"
)

var (
	workerCoordinatorAddr string
	workerCapabilities    string
	workerAuthToken       string
	workerHeartbeat       time.Duration
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "connect to a coordinator and execute assigned actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if workerCoordinatorAddr == "" {
			return usageErr("--coordinator is required")
		}
		log := newLogger()

		conn, err := net.Dial("tcp", workerCoordinatorAddr)
		if err != nil {
			return &CLIError{Code: ExitInternalError, Err: fmt.Errorf("dialing coordinator: %w", err)}
		}
		defer conn.Close()

		reg := coordinator.NewMessage(coordinator.KindRegister, 1)
		reg.Capabilities = splitNonEmpty(workerCapabilities, ",")
		reg.HeartbeatInterval = workerHeartbeat
		reg.AuthToken = workerAuthToken
		if err := coordinator.WriteMessage(conn, reg); err != nil {
			return &CLIError{Code: ExitInternalError, Err: err}
		}

		runner := sandbox.NewProcessRunner()
		ctx, cancel := signalContext()
		defer cancel()

		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		var seq atomic.Uint64
		seq.Store(2)

		ticker := time.NewTicker(workerHeartbeat)
		defer ticker.Stop()
		go func() {
			for range ticker.C {
				hb := coordinator.NewMessage(coordinator.KindHeartbeat, seq.Add(1))
				_ = coordinator.WriteMessage(conn, hb)
			}
		}()

		for {
			msg, err := coordinator.ReadMessage(conn)
			if err != nil {
				log.WithError(err).Warn("connection to coordinator closed")
				return nil
			}
			if msg.Kind != coordinator.KindAssign || msg.ActionRequest == nil {
				continue
			}
			go runAssignment(conn, runner, msg.ActionRequest, &seq, log)
		}
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerCoordinatorAddr, "coordinator", "", "coordinator TCP address, host:port")
	workerCmd.Flags().StringVar(&workerCapabilities, "capabilities", "", "comma-separated capability tags this worker offers")
	workerCmd.Flags().StringVar(&workerAuthToken, "auth-token", "", "plaintext auth token presented to the coordinator")
	workerCmd.Flags().DurationVar(&workerHeartbeat, "heartbeat", 10*time.Second, "heartbeat interval")
}

// runAssignment executes one assigned action and reports its result back
// to the coordinator on the same connection; msg.ActionRequest's Env
// becomes both the sandbox's allowlist and the process environment, since
// the worker CLI has no separate notion of "declared but unset" env.
func runAssignment(conn net.Conn, runner *sandbox.ProcessRunner, req *coordinator.ActionRequest, seq *atomic.Uint64, log *logrus.Entry) {
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := runner.Run(ctx, sandbox.Spec{EnvAllowlist: envKeys(req.Env)}, req.Command, req.Env, nil)

	result := coordinator.NewMessage(coordinator.KindResult, seq.Add(1))
	result.ActionID = req.ActionID
	if err != nil {
		log.WithError(err).WithField("action_id", req.ActionID).Warn("action execution failed")
		result.Outcome = action.Failed
		result.Stderr = []byte(err.Error())
	} else {
		result.ExitCode = res.ExitCode
		result.Stdout = res.Stdout
		result.Stderr = res.Stderr
		result.Duration = res.Duration
		if res.ExitCode == 0 {
			result.Outcome = action.Success
		} else {
			result.Outcome = action.Failed
		}
	}
	if err := coordinator.WriteMessage(conn, result); err != nil {
		log.WithError(err).Warn("failed to report result to coordinator")
	}
}

func envKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	return keys
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
