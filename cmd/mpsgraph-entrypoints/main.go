// Command mpsgraph-entrypoints lists the binding's entry-point registry: the
// Go name each selector is exposed under, who owns its result, and whether
// it is available on a given OS release.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/tsawler/go-mpsgraph/mpsgraph"
	"github.com/tsawler/go-mpsgraph/objc"
)

func main() {
	var (
		class    = flag.String("class", "", "Only list entry points of this class")
		platform = flag.String("platform", string(objc.MacOS), "Platform to check availability against")
		version  = flag.String("os", "", "OS version to check availability against (empty skips the check)")
		plain    = flag.Bool("plain", false, "Plain tab-separated output even on a terminal")
		verbose  = flag.Bool("v", false, "Log registry details to stderr")
	)
	flag.Parse()

	if *verbose {
		l, err := zap.NewDevelopment()
		if err == nil {
			defer l.Sync()
			mpsgraph.SetLogger(l)
		}
	}

	rows := collect(mpsgraph.Names(), filter{
		class:    *class,
		platform: objc.Platform(*platform),
		version:  *version,
	})
	if len(rows) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no entry points match class %q\n", *class)
		os.Exit(1)
	}
	mpsgraph.Logger().Debug("listing entry points", zap.Int("count", len(rows)), zap.String("class", *class))

	styled := !*plain && term.IsTerminal(int(os.Stdout.Fd()))
	if styled {
		fmt.Println(renderTable(rows, *version != ""))
		return
	}
	if err := renderPlain(os.Stdout, rows, *version != ""); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
