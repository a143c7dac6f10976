// Command nfcond runs and controls the condition-variable daemon.
package main

import "github.com/bolasblack/nfcond/internal/cli"

func main() {
	cli.Execute()
}
