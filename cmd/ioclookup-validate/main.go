// Command ioclookup-validate checks a database file against one of the
// three validation levels (spec §4.7, §6.2's "validate(path, level) →
// Report") and prints the resulting report. Exit status is non-zero if the
// report has any errors.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sjzar/ioclookup"
)

func main() {
	level := flag.String("level", "strict", "validation level: standard, strict, or audit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-level standard|strict|audit] <database-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	lvl, err := parseLevel(*level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	report, err := ioclookup.ValidateFile(path, lvl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ioclookup-validate: %v\n", err)
		os.Exit(1)
	}

	fmt.Print(report.String())

	if report.HasErrors() {
		os.Exit(1)
	}
}

func parseLevel(s string) (ioclookup.ValidationLevel, error) {
	switch s {
	case "standard":
		return ioclookup.ValidationStandard, nil
	case "strict":
		return ioclookup.ValidationStrict, nil
	case "audit":
		return ioclookup.ValidationAudit, nil
	default:
		return 0, fmt.Errorf("ioclookup-validate: unknown validation level %q", s)
	}
}
