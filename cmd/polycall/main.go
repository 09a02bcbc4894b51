// Command polycall is a demo driver for the github.com/obinexuscomputing/libpolycall
// protocol engine: it wires the package's codec and protocol engine to a real TCP
// connection so the connection lifecycle can be exercised by hand. It is
// not part of the core (see DESIGN.md).
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
)

var ErrUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:]); err == ErrUsage {
		fmt.Fprintln(os.Stderr, usage())
		os.Exit(1)
	} else if err == flag.ErrHelp {
		os.Exit(1)
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return ErrUsage
	}

	switch args[0] {
	case "server":
		return newServerCommand().Run(args[1:])
	case "client":
		return newClientCommand().Run(args[1:])
	default:
		return ErrUsage
	}
}

func usage() string {
	return `
polycall is a demo driver for the libpolycall protocol engine: a framed,
integrity-checked message exchange over a TCP connection, advancing
through init -> handshake -> auth -> ready.

Usage:

	polycall command [arguments]

The commands are:

	server   accepts connections and drives each through the lifecycle
	client   dials a server and drives it through the lifecycle
`[1:]
}
