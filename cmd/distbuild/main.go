// Command distbuild is the CLI entrypoint for the hybrid local+remote
// build coordinator client. Its flag surface and command-dispatch style
// follow please.go's opts-struct-plus-command pattern, cut down to the
// single "build" command this coordinator exposes.
package main

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"os"

	flags "github.com/thought-machine/go-flags"

	"github.com/thought-machine/distbuild/src/cells"
	"github.com/thought-machine/distbuild/src/cli/logging"
	"github.com/thought-machine/distbuild/src/exitcode"
	"github.com/thought-machine/distbuild/src/fs"
	"github.com/thought-machine/distbuild/src/hashes"
	"github.com/thought-machine/distbuild/src/jobstate"
	"github.com/thought-machine/distbuild/src/orchestrator"
	"github.com/thought-machine/distbuild/src/remotebuild"
	"github.com/thought-machine/distbuild/src/rulekey"
	"github.com/thought-machine/distbuild/src/stats"
	remotesync "github.com/thought-machine/distbuild/src/sync"
)

var log = logging.Log

var opts struct {
	Usage string `usage:"distbuild orchestrates a hybrid local+remote build: it submits a serialized action graph to a remote coordinator and runs a local build concurrently, falling back fully local if the remote side fails."`

	Verbosity int `short:"v" long:"verbosity" description:"Verbosity of output: 0=warning, 1=notice, 2=info, 3 or more=debug" default:"1"`

	Build struct {
		KeepGoing           bool   `long:"keep_going" description:"Continue as much as possible after an error."`
		BuildReport         string `long:"build_report" description:"Path to write a build report to."`
		JustBuild           string `long:"just_build" description:"Build only this target, ignoring its dependents."`
		Deep                bool   `long:"deep" description:"Build all transitive dependencies, even cacheable ones."`
		Shallow             bool   `long:"shallow" description:"Only build what's not already cached."`
		PopulateCache       bool   `long:"populate_cache" description:"Build everything purely to populate the remote cache."`
		Out                 string `long:"out" description:"Copy the (single) target's output to this path."`
		ReportAbsolutePaths bool   `long:"report_absolute_paths" description:"Report file paths as absolute rather than cell-relative."`
		ShowOutput          bool   `long:"show_output" description:"Show the path to each target's output."`
		ShowFullOutput      bool   `long:"show_full_output" description:"Show the absolute path to each target's output."`
		ShowJSONOutput      bool   `long:"show_json_output" description:"Show each target's output as JSON."`
		ShowFullJSONOutput  bool   `long:"show_full_json_output" description:"Show each target's output as JSON with absolute paths."`
		ShowRuleKey         bool   `long:"show_rulekey" description:"Print the computed rule key for each target."`
		Distributed         bool   `long:"distributed" description:"Submit the build to the remote coordinator."`
		RemoteAddr          string `long:"remote_addr" description:"Address of the remote coordinator, required with --distributed." default:"localhost:7677"`
		BuckBinary          string `long:"buck_binary" description:"Path to the buck binary whose content hash becomes the build's version tag."`
		BuildStateFile      string `long:"build_state_file" description:"Dump the serialized job state to this path instead of contacting the remote coordinator."`
		RuleKeysLogPath     string `long:"rulekeys_log_path" description:"Write a structured rule-key audit log to this path."`
		NoFallback          bool   `long:"no_fallback" description:"With --distributed, abort the local build as soon as the remote build fails instead of letting it finish on its own. Mirrors stampede.enable_slow_local_build_fallback=false."`

		Args struct {
			Targets []string `positional-arg-name:"targets" description:"Targets to build"`
		} `positional-args:"true"`
	} `command:"build" description:"Builds one or more targets, locally and/or remotely" default:"1"`
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(int(exitcode.Success))
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(exitcode.CommandlineError))
	}

	logging.InitFromVerbosity(verbosityToLevel(opts.Verbosity))

	code := run()
	os.Exit(int(code))
}

// verbosityToLevel maps the CLI's 0=warning..3=debug count onto go-logging's
// level enum, which runs the opposite direction (CRITICAL=0..DEBUG=5).
func verbosityToLevel(v int) logging.Level {
	switch {
	case v <= 0:
		return logging.WARNING
	case v == 1:
		return logging.NOTICE
	case v == 2:
		return logging.INFO
	default:
		return logging.DEBUG
	}
}

func run() exitcode.Code {
	b := &opts.Build
	if len(b.Args.Targets) == 0 {
		log.Error("at least one target is required")
		return exitcode.CommandlineError
	}
	exclusive := 0
	for _, set := range []bool{b.Deep, b.Shallow, b.PopulateCache} {
		if set {
			exclusive++
		}
	}
	if exclusive > 1 {
		log.Error("--deep, --shallow and --populate_cache are mutually exclusive")
		return exitcode.CommandlineError
	}
	if b.PopulateCache && b.Distributed {
		log.Error("--populate_cache and --distributed are mutually exclusive")
		return exitcode.CommandlineError
	}
	if b.Out != "" && len(b.Args.Targets) != 1 {
		log.Error("--out requires exactly one target")
		return exitcode.CommandlineError
	}

	root, err := os.Getwd()
	if err != nil {
		log.Error("determining repo root: %s", err)
		return exitcode.BuildError
	}
	version, err := buckVersion(b.BuckBinary)
	if err != nil {
		log.Error("determining build version: %s", err)
		return exitcode.BuildError
	}

	index := cells.NewIndexer("//", root)
	hasher := fs.NewPathHasher(root, fs.SHA1)
	var cacheOpts []hashes.Option
	if b.BuildStateFile != "" {
		cacheOpts = append(cacheOpts, hashes.WithContents())
	}
	cache := hashes.New(hasher, index, cacheOpts...)
	computer := rulekey.NewComputer(rulekey.SHA1, cache, func(_ cells.Index, out string) (string, error) {
		return root + "/" + out, nil
	}, 4, version)

	rules := make([]*rulekey.BuildRule, len(b.Args.Targets))
	for i, t := range b.Args.Targets {
		rules[i] = &rulekey.BuildRule{Label: t, Cell: cells.RootIndex, Outputs: []string{t}, Cacheable: true}
	}
	keys, err := computer.ComputeAll(rules)
	if err != nil {
		log.Error("computing rule keys: %s", err)
		return exitcode.BuildError
	}
	if b.ShowRuleKey {
		for _, t := range b.Args.Targets {
			fmt.Printf("%s: %s\n", t, keys[t])
		}
	}
	if b.RuleKeysLogPath != "" {
		if err := writeRuleKeyLog(b.RuleKeysLogPath, keys); err != nil {
			log.Error("writing rule key log: %s", err)
			return exitcode.BuildError
		}
	}

	state := &jobstate.State{
		Cells:            jobstate.FromCells(index),
		TargetGraphNodes: nil,
		TopLevelTargets:  b.Args.Targets,
		FileHashes:       toFileHashes(cache.Entries()),
		BuckVersion:      version,
		RuleKeys:         ruleKeySlice(keys),
	}

	if b.BuildStateFile != "" {
		blob, err := jobstate.Encode(state)
		if err != nil {
			log.Error("encoding job state: %s", err)
			return exitcode.BuildError
		}
		if err := os.WriteFile(b.BuildStateFile, blob, 0644); err != nil {
			log.Error("writing job state: %s", err)
			return exitcode.BuildError
		}
		return exitcode.Success
	}

	clientStats := stats.New()
	var remote orchestrator.RemoteExecutor
	if b.Distributed {
		ctl, err := remotebuild.Dial(b.RemoteAddr)
		if err != nil {
			log.Error("dialing remote coordinator: %s", err)
			return exitcode.BuildError
		}
		defer ctl.Close()
		remote = ctl
	}

	local := newNoopLocalBuild(b.KeepGoing)
	orch := orchestrator.New(remote, local, clientStats, !b.NoFallback)
	result := orch.Run(context.Background(), state)

	summary := clientStats.Finish("")
	if b.BuildReport != "" {
		if err := stats.WriteSummaryFile(b.BuildReport, summary); err != nil {
			log.Warning("failed to write build report: %s", err)
		}
	}
	if result.LocalErr != nil {
		log.Error("local build failed: %s", result.LocalErr)
	}
	if result.RemoteErr != nil {
		log.Warning("remote build failed: %s", result.RemoteErr)
	}
	return result.ExitCode
}

// noopLocalBuild is a placeholder LocalBuild: the real single-rule
// executor is out of this coordinator's scope (it's an external
// collaborator per the component design), so this just reports success
// immediately, unblocking the orchestrator's join. Its build handle is
// trivially constructed, so initialized is closed up front rather than
// on some later event.
type noopLocalBuild struct {
	keepGoing   bool
	initialized chan struct{}
}

func newNoopLocalBuild(keepGoing bool) *noopLocalBuild {
	n := &noopLocalBuild{keepGoing: keepGoing, initialized: make(chan struct{})}
	close(n.initialized)
	return n
}

func (n *noopLocalBuild) Run(ctx context.Context, sync *remotesync.Synchronizer) error {
	return nil
}

func (n *noopLocalBuild) Initialized() <-chan struct{} {
	return n.initialized
}

func (n *noopLocalBuild) Terminate(cause error) {
	log.Warning("local build asked to terminate: %s", cause)
}

func buckVersion(buckBinary string) (string, error) {
	if buckBinary == "" {
		return "", fmt.Errorf("--buck_binary not set and no git-commit system property available")
	}
	f, err := os.Open(buckBinary)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func toFileHashes(entries []*hashes.FileHashEntry) []hashes.FileHashEntry {
	out := make([]hashes.FileHashEntry, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out
}

func ruleKeySlice(keys map[string]rulekey.Key) []rulekey.Key {
	out := make([]rulekey.Key, 0, len(keys))
	for _, k := range keys {
		out = append(out, k)
	}
	return out
}

func writeRuleKeyLog(path string, keys map[string]rulekey.Key) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for label, key := range keys {
		fmt.Fprintf(f, "%s %s\n", label, key)
	}
	return nil
}
