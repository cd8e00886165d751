// Command cozmonaut runs one or two robots as a pair of greeters: they
// take turns leaving their chargers, greet and learn the names of the
// people they see, put on small shows, and dock again.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
