// Package cmd wires the engine into a small CLI: add the URLs given on
// the command line, download them, and print progress until done.
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/Zakaria95Ahmed/idm-clone/internal/config"
	"github.com/Zakaria95Ahmed/idm-clone/internal/engine"
	"github.com/Zakaria95Ahmed/idm-clone/internal/logger"
)

// Run executes the CLI and returns the process exit code.
func Run() int {
	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 1
	}

	if err := logger.Init(cfg.DataDir, cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		return 1
	}

	eng, err := engine.New(cfg.Engine())
	if err != nil {
		logger.Errorf("Failed to create engine: %v", err)
		return 1
	}
	defer func() {
		if err := eng.Shutdown(); err != nil {
			logger.Errorf("Shutdown error: %v", err)
		}
	}()

	if len(cfg.Urls) == 0 {
		fmt.Fprintln(os.Stderr, "usage: idmclone [flags] URL...")
		return 2
	}

	sub := eng.Subscribe(256)
	defer sub.Close()

	pending := make(map[uuid.UUID]bool, len(cfg.Urls))
	for _, url := range cfg.Urls {
		id, err := eng.Add(url)
		if err != nil {
			logger.Errorf("Failed to add %s: %v", url, err)
			continue
		}
		if err := eng.Start(id); err != nil {
			logger.Errorf("Failed to start %s: %v", url, err)
			continue
		}
		pending[id] = true
	}

	if len(pending) == 0 {
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	failed := 0
	for len(pending) > 0 {
		select {
		case <-sigCh:
			fmt.Println()
			logger.Infof("Interrupted, pausing downloads...")
			return 130

		case event, ok := <-sub.C:
			if !ok {
				return 0
			}
			if event.Type != engine.EventGlobalSpeed && !pending[event.ID] {
				continue
			}

			switch event.Type {
			case engine.EventProgress:
				printProgress(eng, event)
			case engine.EventCompleted:
				if entry, err := eng.Get(event.ID); err == nil {
					fmt.Printf("\ncompleted: %s\n", entry.FullPath())
				}
				delete(pending, event.ID)
			case engine.EventError:
				fmt.Printf("\nfailed: %s\n", event.Error)
				failed++
				delete(pending, event.ID)
			case engine.EventPaused:
				delete(pending, event.ID)
			}
		}
	}

	if failed > 0 {
		return 1
	}
	return 0
}

func printProgress(eng *engine.Engine, event engine.Event) {
	entry, err := eng.Get(event.ID)
	if err != nil {
		return
	}

	if entry.FileSize > 0 {
		fmt.Printf("\r%-30s %6.2f%%  %s/s  ",
			truncateName(entry.FileName, 30), entry.Progress(), formatBytes(event.Speed))
	} else {
		fmt.Printf("\r%-30s %s  %s/s  ",
			truncateName(entry.FileName, 30), formatBytes(event.Downloaded), formatBytes(event.Speed))
	}
}

func truncateName(name string, max int) string {
	if len(name) <= max {
		return name
	}
	return name[:max-3] + "..."
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
