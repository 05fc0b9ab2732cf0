// Command dapxd is the control-plane daemon: it opens the Job Store, starts
// the Scheduler, and blocks until a termination signal arrives.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dapxd: %v\n", err)
		os.Exit(1)
	}
}
