package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "ingest":
		return runIngest(args[1:])
	case "extract":
		return runExtract(args[1:])
	case "embed":
		return runEmbed(args[1:])
	case "dedup":
		return runDedup(args[1:])
	case "sync-close":
		return runSyncClose(args[1:])
	case "expire":
		return runExpire(args[1:])
	case "match":
		return runMatch(args[1:])
	case "process", "run-once":
		return runProcess(args[1:])
	case "enqueue":
		return runEnqueue(args[1:])
	case "work":
		return runWork(args[1:])
	case "member-add":
		return runMemberAdd(args[1:])
	case "serve":
		return runServe(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "beacon CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  beacon <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health      Verify database connectivity")
	fmt.Fprintln(os.Stderr, "  ingest      Store one crawled page snapshot for a source")
	fmt.Fprintln(os.Stderr, "  extract     Turn pending page snapshots into resource candidates")
	fmt.Fprintln(os.Stderr, "  embed       Generate embeddings for candidates and member profiles")
	fmt.Fprintln(os.Stderr, "  dedup       Decide pending candidates against known resources")
	fmt.Fprintln(os.Stderr, "  sync-close  Close a crawl cycle and flag disappeared resources")
	fmt.Fprintln(os.Stderr, "  expire      Expire active resources whose TTL has passed")
	fmt.Fprintln(os.Stderr, "  match       Route active resources to relevant members")
	fmt.Fprintln(os.Stderr, "  process     Run extract + embed + dedup + match in sequence")
	fmt.Fprintln(os.Stderr, "  run-once    Alias for process")
	fmt.Fprintln(os.Stderr, "  enqueue     Add one job to the coordination queue")
	fmt.Fprintln(os.Stderr, "  work        Run the job worker loop")
	fmt.Fprintln(os.Stderr, "  member-add  Register a community member profile")
	fmt.Fprintln(os.Stderr, "  serve       Start the review API server")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"beacon <command> -h\" for command-specific flags.")
}
