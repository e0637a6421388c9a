// Command forge is the build driver's entrypoint: it does nothing but
// execute the cli package's root command and translate the result into a
// process exit code.
package main

import (
	"os"

	"forge.build/cli"
)

func main() {
	os.Exit(cli.Execute())
}
