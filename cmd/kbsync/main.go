package main

import (
	"fmt"
	"os"

	"github.com/sheerbytes/kbsync/internal/cli/receiver"
	"github.com/sheerbytes/kbsync/internal/cli/sender"
	"github.com/sheerbytes/kbsync/internal/termio"
)

const version = "v0.1.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		termio.Flush()
		os.Exit(2)
	}
	if hasVersionFlag(args[:1]) {
		fmt.Fprintf(termio.Stdout(), "kbsync %s\n", version)
		termio.Flush()
		return
	}

	switch args[0] {
	case "recv", "receive":
		receiver.Run(args[1:])
	case "send":
		sender.Run(args[1:])
	default:
		if hasHelpFlag(args[:1]) {
			printUsage()
			termio.Flush()
			return
		}
		fmt.Fprintf(termio.Stderr(), "unknown command: %s\n", args[0])
		printUsage()
		termio.Flush()
		os.Exit(2)
	}
}

func printUsage() {
	w := termio.Stderr()
	fmt.Fprintln(w, "usage: kbsync <command> [args]")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  recv  reassemble files from key/value updates")
	fmt.Fprintln(w, "  send  publish files as key/value updates")
	fmt.Fprintln(w, "quick examples:")
	fmt.Fprintln(w, "  kbsync recv -udp :40000 -root ./files")
	fmt.Fprintln(w, "  kbsync recv -relay-url ws://relay:8080/ws -exit-on-complete samples/chapter6.mp3")
	fmt.Fprintln(w, "  kbsync send -udp 10.0.0.7:40000 -rounds 3 ./samples")
	fmt.Fprintln(w, "  kbsync send -broadcast 192.168.1.255:40000 ./samples")
	fmt.Fprintln(w, "to learn detailed usage:")
	fmt.Fprintln(w, "  kbsync recv --help")
	fmt.Fprintln(w, "  kbsync send --help")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" || arg == "help" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" || arg == "version" {
			return true
		}
	}
	return false
}
