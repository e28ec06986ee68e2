// Package main flips the active configuration pointer back to an earlier
// promoted version. It never parses the configs it points at, so it stays
// usable when a bad promotion is exactly what broke the daemon.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jbeckert/crosswind/internal/rollout"
	"github.com/jbeckert/crosswind/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "base config file, used to locate the versioned config directory")
	id := flag.String("id", "", "version id to activate; empty steps back one version")
	list := flag.Bool("list", false, "list promoted versions and exit")
	flag.Parse()

	log := logger.New(logger.Config{Level: "info", Pretty: true})
	mgr := rollout.NewManager(filepath.Dir(*configPath), *configPath, log)

	if *list {
		versions, err := mgr.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list versions: %v\n", err)
			os.Exit(1)
		}
		if len(versions) == 0 {
			fmt.Println("no promoted versions, base config is active")
			return
		}
		for _, v := range versions {
			marker := " "
			if v.Active {
				marker = "*"
			}
			line := fmt.Sprintf("%s %s  promoted %s", marker, v.ID, v.PromotedAt.Format("2006-01-02 15:04:05 MST"))
			if meta, err := mgr.ReadMetadata(v.ID); err == nil {
				line += fmt.Sprintf("  sharpe %.2f (baseline %.2f)", meta.CandidateSharpe, meta.BaselineSharpe)
			}
			fmt.Println(line)
		}
		return
	}

	version, err := mgr.Rollback(*id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rollback failed: %v\n", err)
		os.Exit(1)
	}
	if version.ID == "" {
		fmt.Printf("active pointer removed, base config %s applies (restart the daemon)\n", version.ConfigPath)
		return
	}
	fmt.Printf("active version is now %s (restart the daemon to apply)\n", version.ID)
}
