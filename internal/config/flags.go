package config

import (
	"flag"
	"os"
	"time"

	"github.com/sealmail/sealmail/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags:
//
//	-d string   sqlite database path
//	-r string   relay base URL
//	-l string   keyserver base URL
//	-i int      minimum autosave interval in seconds
//	-t int      passphrase TTL in minutes
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-r", "-l", "-i", "-t"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.DBPath, "d", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.RelayBaseURL, "r", cfg.RelayBaseURL, "relay base URL")
	fs.StringVar(&cfg.LookupBaseURL, "l", cfg.LookupBaseURL, "keyserver base URL")
	autosave := fs.Int("i", int(cfg.AutosaveMinInterval.Seconds()), "minimum autosave interval (in seconds)")
	ttl := fs.Int("t", int(cfg.PassphraseTTL.Minutes()), "passphrase TTL (in minutes)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.AutosaveMinInterval = time.Duration(*autosave) * time.Second
	cfg.PassphraseTTL = time.Duration(*ttl) * time.Minute
}
