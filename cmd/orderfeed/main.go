// Command orderfeed publishes OrderCreated events and watches relay topics.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
