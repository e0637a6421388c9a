// Package action defines Action, the unit of cacheable work derived from a
// Target, and the deterministic ActionId derivation. Result/Outcome is a
// unified outcome envelope with a status enum, captured output, and an
// optional structured error, covering the scheduler's outcome kinds
// (Success/Failed/Cancelled/Timeout/Retryable).
package action

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"forge.build/internal/forgecrypto"
	"forge.build/sandbox"
)

// SchemaVersion is folded into every ActionId; bumping it invalidates every
// previously computed id, which is the intended effect of a breaking change
// to the fields that make up identity.
const SchemaVersion = 1

// InputFile is one declared input with its content hash, already resolved
// by the graph builder.
type InputFile struct {
	Path string
	Hash forgecrypto.Digest
}

// Action is the unit of cacheable work. It is constructed when the
// scheduler is about to dispatch a target and discarded once the action
// completes; only its ActionId and Result persist beyond that.
type Action struct {
	ID           string // derived: set by Fingerprint, or by the scheduler to the graph node's fingerprint
	TargetID     string
	Command      []string
	Env          map[string]string
	Inputs       []InputFile
	Outputs      []string // declared output paths
	Sandbox      sandbox.Spec
	Timeout      time.Duration // 0 means no timeout
	Priority     int           // higher runs first within a queue
	DependsOn    []string      // dependency ActionIds
	RetryPolicy  RetryPolicy
}

// RetryPolicy configures retry behavior for one action.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches executor.BackoffStrategy
// defaults: a handful of attempts with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// Fingerprint computes and assigns a's ActionId: hash(command ∥ sorted
// inputs with hashes ∥ env ∥ sandbox spec ∥ schema version). Input order in
// a.Inputs does not affect the result — the set is sorted by path before
// hashing, satisfying the invariant that permuting input order never
// changes ActionId.
func (a *Action) Fingerprint() string {
	var b strings.Builder
	b.WriteString("schema=")
	b.WriteString(strconv.Itoa(SchemaVersion))
	b.WriteString(";cmd=")
	b.WriteString(strings.Join(a.Command, "\x1f"))

	b.WriteString(";env=")
	for _, k := range sortedKeys(a.Env) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(a.Env[k])
		b.WriteByte(';')
	}

	inputs := make([]InputFile, len(a.Inputs))
	copy(inputs, a.Inputs)
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].Path < inputs[j].Path })
	b.WriteString(";inputs=")
	for _, in := range inputs {
		b.WriteString(in.Path)
		b.WriteByte(':')
		b.WriteString(in.Hash.String())
		b.WriteByte(';')
	}

	b.WriteString(";sandbox=")
	b.WriteString(a.Sandbox.Fingerprint())

	digest := forgecrypto.Hash([]byte(b.String()))
	a.ID = digest.String()
	return a.ID
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OutcomeKind classifies how an action terminated.
type OutcomeKind string

const (
	Success   OutcomeKind = "success"
	Failed    OutcomeKind = "failed"
	Cancelled OutcomeKind = "cancelled"
	Timeout   OutcomeKind = "timeout"
	Retryable OutcomeKind = "retryable"
)

// Result is the unified outcome of running an action, generalized from the
// executor.Result: one envelope carrying status, captured output,
// timing, and an optional structured error.
type Result struct {
	ActionID  string
	Outcome   OutcomeKind
	Attempt   int
	Outputs   map[string]forgecrypto.Digest // output path -> content digest
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Err       *ExecError
}

// ExecError mirrors executor.ExecutionError: a structured,
// error-interface-satisfying failure record with a machine-checkable code.
type ExecError struct {
	Message string
	Code    string
	Details map[string]string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
