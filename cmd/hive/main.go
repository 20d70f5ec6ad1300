// Command hive is the repository front-end: init, commit, checkout,
// merge, replication and maintenance against a local store.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/WebFirstLanguage/hivefs/internal/config"
	"github.com/WebFirstLanguage/hivefs/pkg/repo"
	_ "github.com/WebFirstLanguage/hivefs/pkg/transport/exec"
	_ "github.com/WebFirstLanguage/hivefs/pkg/transport/quic"
	_ "github.com/WebFirstLanguage/hivefs/pkg/transport/tcp"
	_ "github.com/WebFirstLanguage/hivefs/pkg/transport/uds"
)

// Build-time variables set by ldflags
var (
	version   = "dev"
	buildTime = "unknown"
)

// Exit codes: 0 success, 1 recoverable error, 2 fatal error
const (
	exitOK    = 0
	exitError = 1
	exitFatal = 2
)

func main() {
	color.NoColor = color.NoColor || !isatty.IsTerminal(os.Stdout.Fd())

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitError)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("hive %s (built %s)\n", version, buildTime)
	case "help", "--help", "-h":
		printUsage()
	case "init":
		err = cmdInit(args)
	case "commit":
		err = cmdCommit(args)
	case "checkout":
		err = cmdCheckout(args)
	case "log":
		err = cmdLog(args)
	case "snapshot":
		err = cmdSnapshot(args)
	case "snapshots":
		err = cmdSnapshots(args)
	case "merge":
		err = cmdMerge(args)
	case "pull":
		err = cmdPull(args)
	case "gc":
		err = cmdGC(args)
	case "stats":
		err = cmdStats(args)
	case "remote":
		err = cmdRemote(args)
	case "catobj":
		err = cmdCatObj(args)
	case "purgeobj":
		err = cmdPurgeObj(args)
	case "graft":
		err = cmdGraft(args)
	case "cleanup":
		err = cmdCleanup(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(exitError)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "hive %s: %v\n", cmd, err)
		os.Exit(exitError)
	}
}

func printUsage() {
	fmt.Printf(`hive %s - distributed personal file store

Usage:
  hive <command> [options]

Commands:
  init       Create a repository in the current directory
  commit     Snapshot the working tree as a new commit
  checkout   Materialize a commit into the working tree
  log        Show the commit history from the head
  snapshot   Name the current head
  snapshots  List named snapshots
  merge      Merge another commit or branch into the head
  pull       Replicate objects from a remote peer
  gc         Collect unreachable objects
  stats      Show store statistics
  remote     Manage replication peers (add, list, remove)
  graft      Copy a subtree from another repository
  catobj     Print an object's payload
  purgeobj   Drop an object's payload, keeping a tombstone
  cleanup    Remove leftovers of an unclean shutdown
  version    Show version information

`, version)
}

// findRepo walks upward from the working directory to the enclosing
// repository directory
func findRepo() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, repo.RepoDirName)
		if _, err := os.Stat(filepath.Join(candidate, "id")); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no repository found above %s", dir)
		}
		dir = parent
	}
}

// openRepo opens the enclosing repository with the user's configured
// storage options
func openRepo(writable bool) (*repo.LocalRepo, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	opts, err := cfg.RepoOptions()
	if err != nil {
		return nil, nil, err
	}
	path, err := findRepo()
	if err != nil {
		return nil, nil, err
	}
	r, err := repo.Open(path, writable, opts)
	if err != nil {
		return nil, nil, err
	}
	return r, cfg, nil
}
