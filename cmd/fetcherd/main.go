// Command fetcherd runs the portfolio tracker's fetcher core: the scheduled
// price refresh, on-demand historical backfill, portfolio revaluation, and
// the read-only query surface that reports on all of it.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
