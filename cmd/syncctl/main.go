// Command syncctl is an operator tool for inspecting and driving a chora
// replica: local journal status, health checks against a running daemon,
// and ad-hoc sync against a peer outside the daemon's own schedule.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "record":
		runRecord(args)
	case "changes":
		runChanges(args)
	case "status":
		runStatus(args)
	case "sync":
		runSync(args)
	case "watermark":
		runWatermark(args)
	case "peer":
		runPeer(args)
	case "health":
		runHealth(args)
	case "version":
		fmt.Printf("syncctl %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: syncctl <command> [flags]

Commands:
  record     Record a test mutation into a local journal
  changes    List the changes recorded in a local journal
  status     Show a local journal's version, clock and peer watermarks
  sync       Force a one-shot sync with a peer, networked or two local files
  watermark  Inspect or set a local journal's stored watermark for a peer
  peer       Query a remote replica directly (version, watermark, pull)
  health     Check a running daemon's /health and /ready endpoints
  version    Show version
  help       Show this help`)
}

func fatal(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	os.Exit(1)
}
