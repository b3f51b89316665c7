// Command clausegate runs multi-agent contract reviews gated by human
// approvals.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		fatal(err)
		os.Exit(1)
	}
}
