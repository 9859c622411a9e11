package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
)

// Version is the application version, injected at build time via -ldflags.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "wasnet: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command> [args...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Tools for the wasnet sandboxed networking runtime.\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  config get <key>          Print a settings value\n")
		fmt.Fprintf(os.Stderr, "  config set <key> [value]  Store a settings value\n")
		fmt.Fprintf(os.Stderr, "  version [-check]          Print the version, optionally checking for updates\n")
		fmt.Fprintf(os.Stderr, "  demo [-packetdump FILE]   Drive a guest syscall sequence against an in-process stack\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s config get registry.url\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s config set telemetry.enabled false\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s demo -packetdump demo.pcap.gz\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return fmt.Errorf("command required")
	}

	switch args[0] {
	case "config":
		return runConfig(args[1:])
	case "version":
		return runVersion(args[1:])
	case "demo":
		return runDemo(args[1:])
	default:
		flag.Usage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}
