// Command hackathon-server serves sessions over HTTP and websockets.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
