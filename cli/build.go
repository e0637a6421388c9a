package cli

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"forge.build/action"
	"forge.build/cache"
	"forge.build/graph"
	"forge.build/handler"
	"forge.build/internal/forgecrypto"
	"forge.build/scheduler"
	"forge.build/shellhandler"
	"forge.build/target"
)

var buildCmd = &cobra.Command{
	Use:   "build [workspace-file]",
	Short: "build the dependency graph and execute out-of-date targets",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBuildLike(cmd, args, false)
	},
}

var testCmd = &cobra.Command{
	Use:   "test [workspace-file]",
	Short: "build and run targets of kind test",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBuildLike(cmd, args, true)
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "clear the action cache and content store",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return configErr(err)
		}
		store, err := openStore(settings.CacheDir, nil)
		if err != nil {
			return configErr(err)
		}
		defer store.Close()
		if err := store.Clear(); err != nil {
			return &CLIError{Code: ExitInternalError, Err: err}
		}
		fmt.Println("cache cleared")
		return nil
	},
}

// workspacePathOrDefault resolves the positional workspace-file argument,
// defaulting to forge-workspace.yaml in the current directory.
func workspacePathOrDefault(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "forge-workspace.yaml"
}

func openStore(cacheDir string, macKey []byte) (*cache.Store, error) {
	return cache.Open(cache.Config{
		IndexPath: cacheDir + "/entries/index.db",
		ObjectDir: cacheDir + "/objects",
		MACKey:    macKey,
	})
}

// staticToolchains resolves toolchain identifiers statically; a real
// deployment would consult installed toolchain versions, but the core
// treats this entirely as an injected dependency, so the driver's
// stand-in just pins a fixed identifier per language.
type staticToolchains struct{}

func (staticToolchains) ToolchainID(lang target.Language) (string, error) {
	return "toolchain:" + string(lang) + ":pinned", nil
}

// fileHasher hashes source file contents with the core's BLAKE3 digest, so
// a fingerprint is sensitive to every byte the handler will actually read.
type fileHasher struct{}

func (fileHasher) HashSource(path string) (forgecrypto.Digest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return forgecrypto.Digest{}, fmt.Errorf("cli: hashing source %s: %w", path, err)
	}
	return forgecrypto.Hash(data), nil
}

func runBuildLike(cmd *cobra.Command, args []string, testsOnly bool) error {
	settings, err := loadSettings()
	if err != nil {
		return configErr(err)
	}
	log := newLogger()

	ws, err := loadWorkspace(workspacePathOrDefault(args))
	if err != nil {
		return usageErr("%w", err)
	}

	g, err := graph.Build(ws, staticToolchains{}, fileHasher{})
	if err != nil {
		return buildErr(err)
	}

	store, err := openStore(settings.CacheDir, macKeyFromHex(settings.MACKeyHex))
	if err != nil {
		return configErr(err)
	}
	defer store.Close()

	registry := handler.NewRegistry()
	for _, t := range ws.Targets {
		if _, err := registry.Lookup(t.Language); err != nil {
			registry.Register(t.Language, shellhandler.New())
		}
	}

	mode := scheduler.KeepGoing
	if settings.FailFast {
		mode = scheduler.FailFast
	}
	pool := scheduler.New(scheduler.Config{
		Workers: settings.MaxParallelism,
		Mode:    mode,
		Logger:  log,
	})
	defer pool.Stop()

	builder := &scheduler.ActionBuilder{Cache: store, Registry: registry, WS: ws}
	var handles []*scheduler.Handle
	for wave := 0; wave < g.WaveCount(); wave++ {
		for _, id := range g.NodesInWave(wave) {
			node, _ := g.Node(id)
			if testsOnly && node.Target.Kind != target.KindTest {
				continue
			}
			a, exec := builder.Build(node)
			h := pool.Submit(cmd.Context(), a, exec, false)
			handles = append(handles, h)
		}
		for _, h := range handles {
			if _, err := pool.Await(cmd.Context(), h, 10*time.Minute); err != nil {
				return &CLIError{Code: ExitInternalError, Err: err}
			}
		}
	}

	failures := 0
	for _, h := range handles {
		r, _ := pool.Await(cmd.Context(), h, 0)
		if r.Outcome != action.Success {
			failures++
			log.WithField("action_id", h.ActionID).Warn("target did not succeed")
		}
	}
	if failures > 0 {
		return &CLIError{Code: ExitBuildFailure, Err: fmt.Errorf("%d target(s) failed", failures)}
	}

	fmt.Printf("built %d target(s) across %d wave(s)\n", len(handles), g.WaveCount())
	return nil
}

// macKeyFromHex decodes an operator-supplied hex MAC key for shared-cache
// mode; an empty or malformed value falls back to local key derivation
// (nil tells cache.Open to derive one itself).
func macKeyFromHex(h string) []byte {
	if h == "" {
		return nil
	}
	key, err := hex.DecodeString(h)
	if err != nil {
		return nil
	}
	return key
}
