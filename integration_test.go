// Package forge_test drives the graph -> scheduler -> cache -> handler
// pipeline and the coordinator worker-failure path end to end, using only
// the public API of each package and the shellhandler reference handler.
package forge_test

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"forge.build/action"
	"forge.build/cache"
	"forge.build/coordinator"
	"forge.build/graph"
	"forge.build/handler"
	"forge.build/internal/codec"
	"forge.build/internal/forgecrypto"
	"forge.build/scheduler"
	"forge.build/shellhandler"
	"forge.build/target"
)

// staticToolchains pins a fixed toolchain identifier per language, the same
// stand-in the CLI driver uses when no real toolchain registry is wired.
type staticToolchains struct{}

func (staticToolchains) ToolchainID(lang target.Language) (string, error) {
	return "toolchain:" + string(lang) + ":pinned", nil
}

// fileHasher hashes source file contents with the content-addressed digest,
// so a fingerprint is sensitive to every byte a handler would actually read.
type fileHasher struct{}

func (fileHasher) HashSource(path string) (forgecrypto.Digest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return forgecrypto.Digest{}, fmt.Errorf("hashing source %s: %w", path, err)
	}
	return forgecrypto.Hash(data), nil
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(l)
}

// writeScript writes a POSIX shell script to dir that writes content to its
// first argument and appends one byte to its second argument (an invocation
// counter), then returns the script's path. Commands run through
// shellhandler are split on whitespace with no shell interpretation, so the
// logic a test needs lives in the script file, not in the command string.
func writeScript(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name+".sh")
	body := fmt.Sprintf("#!/bin/sh\nprintf '%%s' '%s' > \"$1\"\nprintf 'x' >> \"$2\"\n", content)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

// invocationCount returns how many times the script at counterPath has run
// (zero if it has never run).
func invocationCount(counterPath string) int {
	data, err := os.ReadFile(counterPath)
	if err != nil {
		return 0
	}
	return len(data)
}

// smallGraphFixture builds the lib<-app workspace named in the end-to-end
// scenarios: lib (sources a.x, b.x), app (source m.x, depends on lib).
type smallGraphFixture struct {
	ws         target.WorkspaceConfig
	srcDir     string
	outDir     string
	scriptDir  string
	libOut     string
	appOut     string
	libCounter string
	appCounter string
}

func newSmallGraphFixture(t *testing.T) *smallGraphFixture {
	t.Helper()
	root := t.TempDir()
	f := &smallGraphFixture{
		srcDir:    filepath.Join(root, "src"),
		outDir:    filepath.Join(root, "out"),
		scriptDir: filepath.Join(root, "scripts"),
	}
	require.NoError(t, os.MkdirAll(f.srcDir, 0o755))
	require.NoError(t, os.MkdirAll(f.outDir, 0o755))
	require.NoError(t, os.MkdirAll(f.scriptDir, 0o755))

	for _, src := range []string{"a.x", "b.x", "m.x"} {
		require.NoError(t, os.WriteFile(filepath.Join(f.srcDir, src), []byte(src+" v1"), 0o644))
	}

	f.libOut = filepath.Join(f.outDir, "lib.out")
	f.appOut = filepath.Join(f.outDir, "app.out")
	f.libCounter = filepath.Join(f.outDir, "lib.count")
	f.appCounter = filepath.Join(f.outDir, "app.count")

	libScript := writeScript(t, f.scriptDir, "lib", "lib-output")
	appScript := writeScript(t, f.scriptDir, "app", "app-output")

	f.ws = target.WorkspaceConfig{
		Root: root,
		Options: target.Options{
			OutputDir: f.outDir,
			CacheDir:  filepath.Join(root, "cache"),
		},
		Targets: []target.Target{
			{
				ID:       "lib",
				Language: shellhandler.Language,
				Kind:     target.KindLibrary,
				Sources:  []string{filepath.Join(f.srcDir, "a.x"), filepath.Join(f.srcDir, "b.x")},
				Config: map[string]string{
					"command": fmt.Sprintf("/bin/sh %s %s %s", libScript, f.libOut, f.libCounter),
				},
				OutputPath: f.libOut,
			},
			{
				ID:       "app",
				Language: shellhandler.Language,
				Kind:     target.KindExecutable,
				Sources:  []string{filepath.Join(f.srcDir, "m.x")},
				Deps:     []string{"lib"},
				Config: map[string]string{
					"command": fmt.Sprintf("/bin/sh %s %s %s", appScript, f.appOut, f.appCounter),
				},
				OutputPath: f.appOut,
			},
		},
	}
	return f
}

// run drives the whole graph once against store, returning the graph so the
// caller can inspect per-node fingerprints.
func (f *smallGraphFixture) run(t *testing.T, store *cache.Store) *graph.Graph {
	t.Helper()
	g, err := graph.Build(f.ws, staticToolchains{}, fileHasher{})
	require.NoError(t, err)

	registry := handler.NewRegistry()
	registry.Register(shellhandler.Language, shellhandler.New())

	pool := scheduler.New(scheduler.Config{Workers: 2, Logger: testLog()})
	defer pool.Stop()

	builder := &scheduler.ActionBuilder{Cache: store, Registry: registry, WS: f.ws}
	err = scheduler.RunGraph(context.Background(), pool, g, builder, "fixture", "", testLog())
	require.NoError(t, err)
	return g
}

// countObjects counts the content objects under cacheDir/objects, used to
// check the exact object count a scenario is expected to write.
func countObjects(t *testing.T, cacheDir string) int {
	t.Helper()
	n := 0
	err := filepath.Walk(filepath.Join(cacheDir, "objects"), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func openFixtureStore(t *testing.T, f *smallGraphFixture) *cache.Store {
	t.Helper()
	store, err := cache.Open(cache.Config{
		IndexPath: filepath.Join(f.ws.Options.CacheDir, "entries", "index.db"),
		ObjectDir: filepath.Join(f.ws.Options.CacheDir, "objects"),
		MACKey:    []byte("integration-test-mac-key"),
	})
	require.NoError(t, err)
	return store
}

func TestScenario1_SmallGraphColdCache(t *testing.T) {
	f := newSmallGraphFixture(t)
	store := openFixtureStore(t, f)
	defer store.Close()

	g := f.run(t, store)
	assert.Equal(t, 2, g.WaveCount(), "lib and app are in separate waves")

	assert.Equal(t, 1, invocationCount(f.libCounter), "lib executes exactly once on a cold cache")
	assert.Equal(t, 1, invocationCount(f.appCounter), "app executes exactly once on a cold cache")

	libContent, err := os.ReadFile(f.libOut)
	require.NoError(t, err)
	assert.Equal(t, "lib-output", string(libContent))
	appContent, err := os.ReadFile(f.appOut)
	require.NoError(t, err)
	assert.Equal(t, "app-output", string(appContent))

	stats, err := store.StatsSnapshot()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.EntryCount, "one cache entry per target")
	assert.Equal(t, 3, countObjects(t, f.ws.Options.CacheDir), "lib-output, app-output, and the shared empty stdout/stderr object")

	libNode, ok := g.Node("lib")
	require.True(t, ok)
	_, status, err := store.Lookup(libNode.Fingerprint.String())
	require.NoError(t, err)
	assert.Equal(t, cache.Hit, status)
}

func TestScenario2_WarmCacheSkipsExecution(t *testing.T) {
	f := newSmallGraphFixture(t)
	store := openFixtureStore(t, f)
	defer store.Close()

	f.run(t, store)
	require.Equal(t, 1, invocationCount(f.libCounter))
	require.Equal(t, 1, invocationCount(f.appCounter))

	require.NoError(t, os.Remove(f.libOut))
	require.NoError(t, os.Remove(f.appOut))

	f.run(t, store)

	assert.Equal(t, 1, invocationCount(f.libCounter), "a warm cache must not re-execute lib")
	assert.Equal(t, 1, invocationCount(f.appCounter), "a warm cache must not re-execute app")

	libContent, err := os.ReadFile(f.libOut)
	require.NoError(t, err)
	assert.Equal(t, "lib-output", string(libContent), "materialized output matches the original")
}

func TestScenario3_SourceChangeRebuildsDependentsOnly(t *testing.T) {
	f := newSmallGraphFixture(t)
	store := openFixtureStore(t, f)
	defer store.Close()

	f.run(t, store)
	require.Equal(t, 1, invocationCount(f.libCounter))
	require.Equal(t, 1, invocationCount(f.appCounter))

	require.NoError(t, os.WriteFile(filepath.Join(f.srcDir, "b.x"), []byte("b.x v2"), 0o644))

	f.run(t, store)

	assert.Equal(t, 2, invocationCount(f.libCounter), "lib's fingerprint changed, so it rebuilds")
	assert.Equal(t, 2, invocationCount(f.appCounter), "app depends on lib's fingerprint, so it rebuilds too")
}

func TestScenario4_CacheTamperForcesRebuild(t *testing.T) {
	f := newSmallGraphFixture(t)
	store := openFixtureStore(t, f)

	g := f.run(t, store)
	require.Equal(t, 1, invocationCount(f.libCounter))
	require.Equal(t, 1, invocationCount(f.appCounter))

	libNode, ok := g.Node("lib")
	require.True(t, ok)
	libActionID := libNode.Fingerprint.String()

	require.NoError(t, store.Close())
	tamperEntry(t, filepath.Join(f.ws.Options.CacheDir, "entries", "index.db"), libActionID)

	store2 := openFixtureStore(t, f)
	defer store2.Close()

	_, status, err := store2.Lookup(libActionID)
	require.NoError(t, err)
	assert.Equal(t, cache.Corrupted, status, "a flipped signature byte must be detected as corruption")

	_, status, err = store2.Lookup(libActionID)
	require.NoError(t, err)
	assert.Equal(t, cache.Miss, status, "the corrupted entry is deleted on detection")

	f.run(t, store2)
	assert.Equal(t, 2, invocationCount(f.libCounter), "lib rebuilds once its entry is gone")
	assert.Equal(t, 1, invocationCount(f.appCounter), "app's own entry was untouched and stays cached")
}

// tamperEntry flips one byte of the persisted CacheEntry's signature,
// reproducing "modify one byte in the entry on disk between runs" without
// corrupting the envelope framing that would otherwise just read back as a
// decode failure (and so a plain miss) rather than a detected tamper.
func tamperEntry(t *testing.T, indexPath, actionID string) {
	t.Helper()
	db, err := bolt.Open(indexPath, 0o644, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	defer db.Close()

	bucket := []byte("entries")
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		raw := b.Get([]byte(actionID))
		require.NotNil(t, raw)

		var entry cache.CacheEntry
		require.NoError(t, codec.Decode(bytes.NewReader(raw), codec.TypeCacheEntry, &entry))
		entry.Signature[0] ^= 0xFF

		var buf bytes.Buffer
		require.NoError(t, codec.Encode(&buf, codec.TypeCacheEntry, entry))
		return b.Put([]byte(actionID), buf.Bytes())
	})
	require.NoError(t, err)
}

func TestScenario5_ConcurrentSameTargetSingleFlight(t *testing.T) {
	f := newSmallGraphFixture(t)
	store := openFixtureStore(t, f)
	defer store.Close()

	g, err := graph.Build(f.ws, staticToolchains{}, fileHasher{})
	require.NoError(t, err)
	registry := handler.NewRegistry()
	registry.Register(shellhandler.Language, shellhandler.New())
	builder := &scheduler.ActionBuilder{Cache: store, Registry: registry, WS: f.ws}

	appNode, ok := g.Node("app")
	require.True(t, ok)
	// lib must exist first so app's executor only has to race on app's own
	// single-flight key, isolating the property under test.
	libNode, ok := g.Node("lib")
	require.True(t, ok)
	libAction, libExec := builder.Build(libNode)
	_, err = libExec(context.Background(), libAction)
	require.NoError(t, err)

	const concurrency = 8
	appAction, exec := builder.Build(appNode)
	results := make([]action.Result, concurrency)
	errs := make([]error, concurrency)
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = exec(context.Background(), appAction)
		}(i)
	}
	wg.Wait()

	for i := 0; i < concurrency; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, action.Success, results[i].Outcome)
	}
	assert.Equal(t, 1, invocationCount(f.appCounter), "single-flight must collapse concurrent identical executions to one")
}

func TestScenario6_WorkerFailure(t *testing.T) {
	c := coordinator.New(coordinator.Config{
		ListenAddr:    "127.0.0.1:0",
		WorkerTimeout: 2 * time.Second,
		AcceptTimeout: 50 * time.Millisecond,
		Logger:        testLog(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		c.Stop()
	})

	go c.Serve(ctx)

	var addr net.Addr
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr = c.Addr(); addr != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotNil(t, addr, "coordinator must bind a listener shortly after Serve starts")

	worker1, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer worker1.Close()
	worker2, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer worker2.Close()

	register := func(conn net.Conn, id string) {
		msg := coordinator.NewMessage(coordinator.KindRegister, 1)
		msg.ID = id
		msg.Capabilities = []string{"shell"}
		require.NoError(t, coordinator.WriteMessage(conn, msg))
	}
	register(worker1, "worker-1")
	register(worker2, "worker-2")
	time.Sleep(100 * time.Millisecond) // let both registrations land before submitting

	const total = 10
	resultChans := make(map[string]<-chan *coordinator.Message, total)
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("action-%d", i)
		resultChans[id] = c.Submit(&coordinator.ActionRequest{
			ActionID:             id,
			Command:              []string{"/bin/true"},
			RequiredCapabilities: []string{"shell"},
		})
	}

	// worker1 receives exactly one assignment, then is killed mid-action: it
	// closes its connection without ever sending a Result.
	go func() {
		if _, err := coordinator.ReadMessage(worker1); err != nil {
			return
		}
		worker1.Close()
	}()

	// worker2 survives and completes every assignment routed to it,
	// including the one reassigned away from worker1.
	go func() {
		for {
			msg, err := coordinator.ReadMessage(worker2)
			if err != nil {
				return
			}
			result := coordinator.NewMessage(coordinator.KindResult, msg.Seq+1)
			result.ActionID = msg.ActionRequest.ActionID
			result.Outcome = action.Success
			if err := coordinator.WriteMessage(worker2, result); err != nil {
				return
			}
		}
	}()

	for id, ch := range resultChans {
		select {
		case msg := <-ch:
			assert.Equal(t, id, msg.ActionID)
			assert.Equal(t, action.Success, msg.Outcome)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for result of %s", id)
		}
	}

	stats := c.StatsSnapshot()
	assert.Equal(t, uint64(1), stats.Reassigns, "exactly the one action assigned to the killed worker is reassigned")
}
