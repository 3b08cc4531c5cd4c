package app

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime"
)

func versionCmd(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	asJSON := fs.Bool("json", false, "print version info as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *asJSON {
		out, err := json.Marshal(map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
			"go_version": runtime.Version(),
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			return 1
		}
		fmt.Fprintln(os.Stdout, string(out))
		return 0
	}

	fmt.Fprintf(os.Stdout, "kaiwa %s (%s, %s)\n", version, commit, buildDate)
	return 0
}
