// Command horadrim reads a textual command stream and drives the record
// manager in engine, writing results to the output file and appending
// every command's outcome to the operation log.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"github.com/zhukovaskychina/horadrim/config"
	"github.com/zhukovaskychina/horadrim/engine"
	"github.com/zhukovaskychina/horadrim/logging"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "optional TOML config file")
	flag.Parse()

	args := flag.Args()
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: horadrim [-config file] <input-command-file> <output-result-file>")
		os.Exit(1)
	}
	inputPath, outputPath := args[0], args[1]

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "horadrim: failed to load config: %s\n", err)
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{ErrorLogPath: "", Level: cfg.LogLevel}); err != nil {
		fmt.Fprintf(os.Stderr, "horadrim: failed to init logging: %s\n", err)
		os.Exit(1)
	}

	in, err := os.Open(inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "horadrim: cannot open input file: %s\n", err)
		os.Exit(1)
	}
	defer in.Close()

	out, err := os.Create(outputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "horadrim: cannot open output file: %s\n", err)
		os.Exit(1)
	}
	defer out.Close()

	dispatcher := engine.NewDispatcher(cfg.HeapDir, cfg.LogFile, engine.SystemClock{})

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if err := dispatcher.Dispatch(line, out); err != nil {
			logging.Log.WithError(err).Error("horadrim: fatal I/O error, terminating")
			fmt.Fprintf(os.Stderr, "horadrim: fatal error: %s\n", err)
			os.Exit(1)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "horadrim: error reading input: %s\n", err)
		os.Exit(1)
	}
}
