package cli

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [workspace-file]",
	Short: "rebuild incrementally whenever a source file changes",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wsPath := workspacePathOrDefault(args)
		ws, err := loadWorkspace(wsPath)
		if err != nil {
			return usageErr("%w", err)
		}

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return &CLIError{Code: ExitInternalError, Err: err}
		}
		defer watcher.Close()

		dirs := map[string]bool{}
		for _, t := range ws.Targets {
			for _, src := range t.Sources {
				dirs[filepath.Dir(src)] = true
			}
		}
		for d := range dirs {
			if err := watcher.Add(d); err != nil {
				return &CLIError{Code: ExitConfigError, Err: fmt.Errorf("watching %s: %w", d, err)}
			}
		}

		fmt.Printf("watching %d director(ies) for changes; ctrl-c to stop\n", len(dirs))
		if err := runBuildLike(cmd, args, false); err != nil {
			fmt.Println("initial build:", err)
		}

		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				fmt.Println("change detected:", ev.Name)
				if err := runBuildLike(cmd, args, false); err != nil {
					fmt.Println("build failed:", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				fmt.Println("watch error:", err)
			case <-cmd.Context().Done():
				return nil
			}
		}
	},
}
