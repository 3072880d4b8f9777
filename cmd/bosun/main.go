// Command bosun is the multi-agent git orchestrator CLI.
package main

import (
	"os"

	"github.com/harrison/bosun/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
