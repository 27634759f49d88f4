// Command lapissim runs a discrete-event simulation of an opportunistic
// batch-computing site from recorded job, pool, and storage traces.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
