// Command as2d runs an AS2 server and sends AS2 messages from the command
// line.
//
//	as2d serve -c as2.yaml
//	as2d send -c as2.yaml --to ACME --file order.edi
//	as2d partners list -c as2.yaml
package main

import (
	"fmt"
	"os"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
