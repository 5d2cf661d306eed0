// Command execgraph runs query plans on the execution graph engine.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
)

func main() {
	app := kingpin.New("execgraph", "Run query plans on the distributed execution graph engine.")
	app.HelpFlag.Short('h')

	opts := &options{}
	opts.register(app)

	addValidateCommand(app, opts)
	addExplainCommand(app, opts)
	addRunCommand(app, opts)

	if _, err := app.Parse(os.Args[1:]); err != nil {
		exitWithErr(err)
	}
}

func exitWithErr(err error) {
	fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
	os.Exit(1)
}
