// Package cli is the demo command-line front end for the rcluster
// routing client: enough subcommands to dial a cluster, send a
// command, and cross-check routing against an independent client.
//
// Grounded on df2redis's internal/cli.Execute dispatch shape (a
// top-level switch over args[0], one runXxx(args []string) int per
// subcommand, each parsing its own flag.FlagSet) — kept verbatim; the
// migration subcommands (prepare/migrate/cold-import/replicate/check/
// status/rollback/dashboard) are replaced by ping/get/set/compare, the
// operations this library actually exposes.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"rcluster"
	"rcluster/internal/comparator"
	"rcluster/internal/config"
	"rcluster/internal/logger"
	"rcluster/internal/proto"
)

// Execute dispatches CLI subcommands.
func Execute(args []string) int {
	logger.Init(logger.INFO)

	if len(args) == 0 {
		printUsage()
		return 1
	}

	switch args[0] {
	case "ping":
		return runPing(args[1:])
	case "get":
		return runGet(args[1:])
	case "set":
		return runSet(args[1:])
	case "compare":
		return runCompare(args[1:])
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "version", "--version", "-v":
		fmt.Println("rclctl 0.1.0-dev")
		return 0
	default:
		logger.Error("unknown subcommand: %s", args[0])
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Println(`rclctl - demo CLI for the rcluster cluster-aware routing client

Usage:
  rclctl ping    --endpoints <redis://host:port,...>
  rclctl get     --endpoints <...> --key <key>
  rclctl set     --endpoints <...> --key <key> --value <value>
  rclctl compare --endpoints <...> [--sample <n>] [--prefix <p>]
  rclctl help
  rclctl version`)
}

func endpointsFlag(fs *flag.FlagSet) *string {
	return fs.String("endpoints", "", "comma-separated redis://host:port (or rediss://) seed endpoints")
}

func buildOptions(endpoints string, password string) (config.Options, error) {
	opts := config.Options{
		Endpoints: strings.Split(endpoints, ","),
		Password:  password,
	}
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return config.Options{}, err
	}
	return opts, nil
}

// newSignalContext returns a context cancelled on SIGINT/SIGTERM, so a
// subcommand can be interrupted cleanly instead of leaving its Pipeline
// goroutine stranded.
func newSignalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func runPing(args []string) int {
	fs := flag.NewFlagSet("ping", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	endpoints := endpointsFlag(fs)
	password := fs.String("password", "", "cluster password")
	if code, done := parseFlags(fs, args); done {
		return code
	}
	if *endpoints == "" {
		logger.Error("--endpoints is required")
		return 2
	}

	opts, err := buildOptions(*endpoints, *password)
	if err != nil {
		logger.Error("%v", err)
		return 1
	}

	ctx, cancel := newSignalContext()
	defer cancel()
	client, err := rcluster.New(ctx, opts)
	if err != nil {
		logger.Error("connect: %v", err)
		return 1
	}
	defer client.Close()

	reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
	defer reqCancel()
	reply, err := client.SendOne(reqCtx, proto.Pack("PING"))
	if err != nil {
		logger.Error("ping: %v", err)
		return 1
	}
	fmt.Println(proto.ToString(reply))
	return 0
}

func runGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	endpoints := endpointsFlag(fs)
	password := fs.String("password", "", "cluster password")
	key := fs.String("key", "", "key to GET")
	if code, done := parseFlags(fs, args); done {
		return code
	}
	if *endpoints == "" || *key == "" {
		logger.Error("--endpoints and --key are required")
		return 2
	}

	opts, err := buildOptions(*endpoints, *password)
	if err != nil {
		logger.Error("%v", err)
		return 1
	}

	ctx, cancel := newSignalContext()
	defer cancel()
	client, err := rcluster.New(ctx, opts)
	if err != nil {
		logger.Error("connect: %v", err)
		return 1
	}
	defer client.Close()

	reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
	defer reqCancel()
	reply, err := client.SendOne(reqCtx, proto.Pack("GET", *key))
	if err != nil {
		logger.Error("get: %v", err)
		return 1
	}
	fmt.Println(proto.ToString(reply))
	return 0
}

func runSet(args []string) int {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	endpoints := endpointsFlag(fs)
	password := fs.String("password", "", "cluster password")
	key := fs.String("key", "", "key to SET")
	value := fs.String("value", "", "value to SET")
	if code, done := parseFlags(fs, args); done {
		return code
	}
	if *endpoints == "" || *key == "" {
		logger.Error("--endpoints and --key are required")
		return 2
	}

	opts, err := buildOptions(*endpoints, *password)
	if err != nil {
		logger.Error("%v", err)
		return 1
	}

	ctx, cancel := newSignalContext()
	defer cancel()
	client, err := rcluster.New(ctx, opts)
	if err != nil {
		logger.Error("connect: %v", err)
		return 1
	}
	defer client.Close()

	reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
	defer reqCancel()
	reply, err := client.SendOne(reqCtx, proto.Pack("SET", *key, *value))
	if err != nil {
		logger.Error("set: %v", err)
		return 1
	}
	fmt.Println(proto.ToString(reply))
	return 0
}

func runCompare(args []string) int {
	fs := flag.NewFlagSet("compare", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	endpoints := endpointsFlag(fs)
	password := fs.String("password", "", "cluster password")
	sample := fs.Int("sample", 1000, "number of keys to sample")
	prefix := fs.String("prefix", "", "key prefix for sampled keys")
	if code, done := parseFlags(fs, args); done {
		return code
	}
	if *endpoints == "" {
		logger.Error("--endpoints is required")
		return 2
	}

	opts, err := buildOptions(*endpoints, *password)
	if err != nil {
		logger.Error("%v", err)
		return 1
	}

	bareAddrs, err := bareAddresses(opts.Endpoints)
	if err != nil {
		logger.Error("%v", err)
		return 1
	}

	ctx, cancel := newSignalContext()
	defer cancel()
	client, err := rcluster.New(ctx, opts)
	if err != nil {
		logger.Error("connect: %v", err)
		return 1
	}
	defer client.Close()

	report, err := comparator.Run(ctx, client, comparator.Config{
		Addrs:      bareAddrs,
		Password:   *password,
		SampleSize: *sample,
		KeyPrefix:  *prefix,
	})
	if err != nil {
		logger.Error("compare: %v", err)
		return 1
	}

	fmt.Printf("checked %d keys in %v, %d mismatches\n", report.Checked, report.Elapsed, len(report.Mismatches))
	for _, m := range report.Mismatches {
		if m.ReadErr != nil {
			fmt.Printf("  %s: read error: %v\n", m.Key, m.ReadErr)
			continue
		}
		fmt.Printf("  %s: expected %q, got %q\n", m.Key, m.Expected, m.Got)
	}
	if len(report.Mismatches) > 0 {
		return 1
	}
	return 0
}

// bareAddresses strips the redis://rediss:// scheme go-redis's own
// ClusterOptions.Addrs doesn't expect.
func bareAddresses(endpoints []string) ([]string, error) {
	out := make([]string, 0, len(endpoints))
	for _, raw := range endpoints {
		ep, err := proto.ParseEndpoint(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, ep.Addr())
	}
	return out, nil
}

// parseFlags parses a subcommand's flags, returning done=true when the
// caller should return code immediately (either --help or a parse
// error) instead of continuing.
func parseFlags(fs *flag.FlagSet, args []string) (code int, done bool) {
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0, true
		}
		logger.Error("failed to parse arguments: %v", err)
		return 1, true
	}
	return 0, false
}
