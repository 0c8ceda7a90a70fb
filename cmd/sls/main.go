// Command sls runs the simple lookup service daemon.
package main

import (
	"flag"
	"fmt"
	"os"
)

type cliOptions struct {
	host      string
	port      int
	configDir string
	dataDir   string
	logFile   string
}

func main() {
	fs := flag.NewFlagSet("sls", flag.ExitOnError)
	opts := cliOptions{}
	fs.StringVar(&opts.host, "host", "", "listen address (overrides SLS_HOST)")
	fs.IntVar(&opts.port, "port", 0, "listen port (overrides SLS_PORT)")
	fs.StringVar(&opts.configDir, "config", "", "config directory (overrides SLS_CONFIG_DIR)")
	fs.StringVar(&opts.dataDir, "datadir", "", "data directory (overrides SLS_DATA_DIR)")
	fs.StringVar(&opts.logFile, "logfile", "", "log file path (overrides SLS_LOG_FILE)")
	_ = fs.Parse(os.Args[1:])

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
