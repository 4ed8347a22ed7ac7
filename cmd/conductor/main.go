// Command conductor plans work into gated task graphs and runs them on
// configured executors.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
