package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/repo"
	"github.com/WebFirstLanguage/hivefs/pkg/rpc"
	"github.com/WebFirstLanguage/hivefs/pkg/transport"
)

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	target := dir + string(os.PathSeparator) + repo.RepoDirName
	if fs.NArg() > 0 {
		target = fs.Arg(0)
	}

	if err := repo.Init(target); err != nil {
		return err
	}
	fmt.Printf("Initialized repository at %s\n", target)
	return nil
}

func cmdCommit(args []string) error {
	fs := flag.NewFlagSet("commit", flag.ContinueOnError)
	message := fs.StringP("message", "m", "", "commit message")
	snapshot := fs.StringP("snapshot", "s", "", "record the commit under a snapshot name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r, cfg, err := openRepo(true)
	if err != nil {
		return err
	}
	defer r.Close()

	wd, err := r.WorkingDir()
	if err != nil {
		return err
	}

	hash, err := r.CommitDirectory(wd, cfg.User, *message, *snapshot, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("Committed %s\n", hash.Hex())
	return nil
}

func cmdCheckout(args []string) error {
	fs := flag.NewFlagSet("checkout", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	r, _, err := openRepo(false)
	if err != nil {
		return err
	}
	defer r.Close()

	target, err := resolveCommitish(r, fs.Args())
	if err != nil {
		return err
	}
	if err := r.Checkout(target, ""); err != nil {
		return err
	}
	fmt.Printf("Checked out %s\n", target.Hex())
	return nil
}

// resolveCommitish turns an optional argument into a commit hash: a
// hex hash, a snapshot name, a branch name, or the head when absent
func resolveCommitish(r *repo.LocalRepo, args []string) (objecthash.Hash, error) {
	if len(args) == 0 {
		head, err := r.Head()
		if err != nil {
			return objecthash.Hash{}, err
		}
		if head.IsEmpty() {
			return objecthash.Hash{}, fmt.Errorf("repository has no head")
		}
		return head, nil
	}

	arg := args[0]
	if hash, err := objecthash.FromHex(arg); err == nil {
		return hash, nil
	}
	if hash, ok := r.ResolveSnapshot(arg); ok {
		return hash, nil
	}
	if hash, err := r.Branch(arg); err == nil {
		return hash, nil
	}
	return objecthash.Hash{}, fmt.Errorf("cannot resolve %q", arg)
}

func cmdLog(args []string) error {
	r, _, err := openRepo(false)
	if err != nil {
		return err
	}
	defer r.Close()

	head, err := r.Head()
	if err != nil {
		return err
	}

	hashColor := color.New(color.FgYellow)
	for !head.IsEmpty() {
		c, err := r.GetCommit(head)
		if err != nil {
			return err
		}
		hashColor.Printf("commit %s\n", head.Hex())
		fmt.Printf("Author: %s\n", c.User)
		fmt.Printf("Date:   %s\n", time.Unix(int64(c.Time), 0).Format(time.RFC1123))
		if c.SnapshotName != "" {
			fmt.Printf("Snapshot: %s\n", c.SnapshotName)
		}
		if c.HasGraft() {
			fmt.Printf("Graft: %s%s @ %s\n", c.GraftRepo, c.GraftPath, c.GraftCommit.Hex())
		}
		fmt.Printf("\n    %s\n\n", c.Message)
		head = c.Parents[0]
	}
	return nil
}

func cmdSnapshot(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hive snapshot <name>")
	}
	r, _, err := openRepo(true)
	if err != nil {
		return err
	}
	defer r.Close()

	head, err := r.Head()
	if err != nil {
		return err
	}
	if head.IsEmpty() {
		return fmt.Errorf("repository has no head")
	}
	if err := r.Snapshot(args[0], head); err != nil {
		return err
	}
	fmt.Printf("Snapshot %q -> %s\n", args[0], head.Hex())
	return nil
}

func cmdSnapshots(args []string) error {
	r, _, err := openRepo(false)
	if err != nil {
		return err
	}
	defer r.Close()

	for name, hash := range r.Snapshots() {
		fmt.Printf("%s %s\n", hash.Hex(), name)
	}
	return nil
}

func cmdMerge(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hive merge <commit|snapshot|branch>")
	}
	r, cfg, err := openRepo(true)
	if err != nil {
		return err
	}
	defer r.Close()

	head, err := r.Head()
	if err != nil {
		return err
	}
	other, err := resolveCommitish(r, args)
	if err != nil {
		return err
	}

	result, err := r.Merge(head, other, cfg.User, time.Now())
	if err != nil {
		return err
	}
	if len(result.Conflicts) > 0 {
		warn := color.New(color.FgRed)
		for _, c := range result.Conflicts {
			warn.Printf("CONFLICT (%s): %s\n", c.Type, c.Path)
		}
		return fmt.Errorf("%d conflicts; resolve and commit", len(result.Conflicts))
	}

	if err := r.UpdateHead(result.Commit); err != nil {
		return err
	}
	fmt.Printf("Merged into %s\n", result.Commit.Hex())
	return nil
}

func cmdPull(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hive pull <remote|url>")
	}
	r, _, err := openRepo(true)
	if err != nil {
		return err
	}
	defer r.Close()

	url := args[0]
	if p, err := r.Remote(args[0]); err == nil {
		url = p.URL
	}

	id, err := r.Identity()
	if err != nil {
		return err
	}
	trust, err := r.TrustStore()
	if err != nil {
		return err
	}
	fsid, _ := r.FSID()
	tcfg := &transport.Config{Identity: id, FSID: fsid, Trust: trust}

	remote, err := rpc.Connect(context.Background(), url, tcfg)
	if err != nil {
		return err
	}
	defer remote.Close()

	var bar *progressbar.ProgressBar
	progress := func(done, total int) {
		if bar == nil {
			bar = progressbar.Default(int64(total), "pulling")
		}
		bar.Set(done)
	}

	result, err := r.Pull(remote, progress)
	if err != nil {
		return err
	}
	if bar != nil {
		bar.Finish()
	}
	fmt.Printf("Pulled %d objects; head %s\n", result.Transferred, result.Head.Hex())
	return nil
}

func cmdGC(args []string) error {
	r, _, err := openRepo(true)
	if err != nil {
		return err
	}
	defer r.Close()

	result, err := r.GC()
	if err != nil {
		return err
	}
	fmt.Printf("Collected %d objects, %d live\n", result.Collected, result.Live)
	return nil
}

func cmdStats(args []string) error {
	r, _, err := openRepo(false)
	if err != nil {
		return err
	}
	defer r.Close()

	s := r.Stats()
	fmt.Printf("Objects:     %d\n", s.Objects)
	fmt.Printf("  commits:   %d\n", s.Commits)
	fmt.Printf("  trees:     %d\n", s.Trees)
	fmt.Printf("  blobs:     %d\n", s.Blobs)
	fmt.Printf("  largeblobs:%d\n", s.LargeBlobs)
	fmt.Printf("  purged:    %d\n", s.Purged)
	fmt.Printf("Payload:     %s\n", humanize.Bytes(s.PayloadSize))
	fmt.Printf("Packed:      %s\n", humanize.Bytes(s.PackedSize))
	return nil
}

func cmdRemote(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hive remote <add|list|remove> ...")
	}

	switch args[0] {
	case "add":
		if len(args) != 3 {
			return fmt.Errorf("usage: hive remote add <name> <url>")
		}
		r, _, err := openRepo(true)
		if err != nil {
			return err
		}
		defer r.Close()
		if _, err := r.AddRemote(args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("Added remote %s -> %s\n", args[1], args[2])
		return nil

	case "list":
		r, _, err := openRepo(false)
		if err != nil {
			return err
		}
		defer r.Close()
		peers, err := r.Remotes()
		if err != nil {
			return err
		}
		for _, p := range peers {
			fmt.Printf("%-16s %s\n", p.Name, p.URL)
		}
		return nil

	case "remove":
		if len(args) != 2 {
			return fmt.Errorf("usage: hive remote remove <name>")
		}
		r, _, err := openRepo(true)
		if err != nil {
			return err
		}
		defer r.Close()
		return r.RemoveRemote(args[1])

	default:
		return fmt.Errorf("unknown remote subcommand %q", args[0])
	}
}

func cmdCatObj(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hive catobj <hash>")
	}
	r, _, err := openRepo(false)
	if err != nil {
		return err
	}
	defer r.Close()

	hash, err := objecthash.FromHex(args[0])
	if err != nil {
		return err
	}
	payload, err := r.GetPayload(hash)
	if err != nil {
		return err
	}
	os.Stdout.Write(payload)
	return nil
}

func cmdPurgeObj(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hive purgeobj <hash>")
	}
	r, _, err := openRepo(true)
	if err != nil {
		return err
	}
	defer r.Close()

	hash, err := objecthash.FromHex(args[0])
	if err != nil {
		return err
	}
	if err := r.Purge(hash); err != nil {
		return err
	}
	fmt.Printf("Purged %s\n", hash.Hex())
	return nil
}

func cmdGraft(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: hive graft <src-repo-path> <src-path> <dst-path>")
	}
	r, cfg, err := openRepo(true)
	if err != nil {
		return err
	}
	defer r.Close()

	opts, err := cfg.RepoOptions()
	if err != nil {
		return err
	}
	src, err := repo.Open(args[0], false, opts)
	if err != nil {
		return err
	}
	defer src.Close()

	hash, err := r.GraftSubtree(src, args[1], args[2], cfg.User, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("Grafted as %s\n", hash.Hex())
	return nil
}

func cmdCleanup(args []string) error {
	path, err := findRepo()
	if err != nil {
		return err
	}
	if err := repo.Cleanup(path); err != nil {
		return err
	}
	fmt.Println("Cleaned up")
	return nil
}
