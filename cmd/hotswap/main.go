// hotswap inspects and prepares images for live patching
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/pboyd/hotswap/config"
)

type command struct {
	name    string
	usage   string
	summary string
	run     func(cfg *config.Config, args []string) error
}

var commands = []command{
	{"instrument", "instrument [image...]", "add dispatch slots to images in place", runInstrument},
	{"fingerprint", "fingerprint [-text] <image> [func]", "print body fingerprints", runFingerprint},
	{"diff", "diff <old> <new>", "list functions whose body changed", runDiff},
	{"history", "history [-module m] [-func f] [-n count]", "show the patch journal", runHistory},
}

func main() {
	configPath := flag.String("c", "", "Config file (default: nearest "+config.FileName+")")
	verbosity := flag.Int("v", -1, "Log verbosity (default: from config, else 0)")
	logFile := flag.String("log", "", "Log file (default: stderr)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: hotswap [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		for _, c := range commands {
			fmt.Fprintf(os.Stderr, "  %-42s %s\n", c.usage, c.summary)
		}
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	configureLogging(cfg, *verbosity, *logFile)

	name := flag.Arg(0)
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(cfg, flag.Args()[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
	flag.Usage()
	os.Exit(2)
}

// loadConfig loads the file at path, or searches for one from the working
// directory. A missing config is not an error; commands fall back to
// their arguments.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return config.Find(wd)
}

func configureLogging(cfg *config.Config, verbosity int, logFile string) {
	if cfg != nil {
		if verbosity < 0 {
			verbosity = cfg.Session.Verbosity
		}
		if logFile == "" {
			logFile = cfg.Path(cfg.Session.LogFile)
		}
	}
	if verbosity < 0 {
		verbosity = 0
	}

	var path *string
	if logFile != "" {
		path = &logFile
	}
	commonlog.Configure(verbosity, path)
}
