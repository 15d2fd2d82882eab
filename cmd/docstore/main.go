// docstore is a command-line shell for the embedded document store: open a
// database file, optionally seed it from a YAML fixture, then either compact
// and exit or drop into an interactive REPL.
package main

import (
	"errors"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/arcbase/docstore/pkg/docstore"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("docstore", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	filePath := fs.StringP("file", "f", "", "path to the database log file")
	configPath := fs.StringP("config", "c", "", "path to a JWCC config file")
	seedPath := fs.String("seed", "", "path to a YAML fixture to insert on startup")
	initPath := fs.String("init", "", "write a default config file to this path and exit")
	compactOnly := fs.Bool("compact", false, "compact the database file and exit")
	startREPL := fs.Bool("repl", false, "start an interactive shell")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: docstore [flags]")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Flags:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}

		return 2
	}

	if *initPath != "" {
		if err := writeDefaultConfig(*initPath); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)

			return 1
		}

		fmt.Println("wrote", *initPath)

		return 0
	}

	cfg := defaultConfig()

	if *configPath != "" {
		loaded, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)

			return 1
		}

		cfg = loaded
	}

	if *filePath != "" {
		cfg.File = *filePath
	}

	if cfg.File == "" {
		fmt.Fprintln(os.Stderr, "error: no database file given (use --file or --config)")
		fs.Usage()

		return 2
	}

	ds, err := docstore.Open(cfg.options())
	if err != nil {
		fmt.Fprintln(os.Stderr, "error opening database:", err)

		return 1
	}

	defer ds.Close()

	if *seedPath != "" {
		n, err := seedFromYAML(ds, *seedPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error seeding:", err)

			return 1
		}

		fmt.Printf("seeded %d documents from %s\n", n, *seedPath)
	}

	if *compactOnly {
		if err := ds.Compact(); err != nil {
			fmt.Fprintln(os.Stderr, "error compacting:", err)

			return 1
		}

		fmt.Println("compacted", cfg.File)

		return 0
	}

	if *startREPL {
		return runREPL(ds)
	}

	fmt.Printf("opened %s (pass --repl for an interactive shell)\n", cfg.File)

	return 0
}
