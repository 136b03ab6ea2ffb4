// Command mazos boots the unikernel core on a simulated PC.
package main

import (
	"os"

	"mazos/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
