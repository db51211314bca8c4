// Package config parses the CLI surface described in spec §6: --host,
// --port, --verbosity, --completions, --help, --version. It keeps the
// teacher's stdlib flag.FlagSet + custom Usage idiom (pkg/config, pkg/logger
// in the teacher repo) rather than reaching for a CLI framework, since none
// of the example repos in the pack use one capable of emitting shell
// completions — see DESIGN.md's Open Questions.
package config

import (
	"flag"
	"fmt"
	"io"

	"github.com/relaymirror/relaymirror/pkg/logger"
)

// Config holds the parsed CLI configuration for the relaymirror binary.
type Config struct {
	Host        string
	Port        uint16
	GatewayURL  string
	Verbosity   logger.Level
	Completions string // non-empty means: print completion script and exit
	Version     bool
}

const (
	defaultHost = "127.0.0.1"
	defaultPort = 3000
)

// Parse parses args (typically os.Args[1:]) into a Config.
func Parse(fs *flag.FlagSet, args []string, out io.Writer) (*Config, error) {
	cfg := &Config{}

	var host string
	var port uint
	var gatewayURL string
	var verbosity string
	var completions string
	var version bool

	fs.StringVar(&host, "host", defaultHost, "address to bind the HTTP/WHIP server to")
	fs.UintVar(&port, "port", defaultPort, "port to bind the HTTP/WHIP server to")
	fs.StringVar(&gatewayURL, "gateway-url", "", "websocket URL of the chat service's main gateway (required)")
	fs.StringVar(&verbosity, "verbosity", string(logger.LevelOff),
		"log verbosity: off, error, warn, info, debug, trace")
	fs.StringVar(&completions, "completions", "",
		"print a shell completion script (bash, elvish, fish, powershell, zsh) and exit")
	fs.BoolVar(&version, "version", false, "print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(out, "Usage: relaymirror [options]\n\n")
		fmt.Fprintf(out, "WHIP-to-mirror WebRTC relay\n\n")
		fmt.Fprintf(out, "Options:\n")
		fs.SetOutput(out)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if port > 65535 {
		return nil, fmt.Errorf("invalid --port: %d exceeds u16 range", port)
	}

	lvl, err := logger.ParseLevel(verbosity)
	if err != nil {
		return nil, err
	}

	if gatewayURL == "" && completions == "" && !version {
		return nil, fmt.Errorf("missing required --gateway-url")
	}

	cfg.Host = host
	cfg.Port = uint16(port)
	cfg.GatewayURL = gatewayURL
	cfg.Verbosity = lvl
	cfg.Completions = completions
	cfg.Version = version

	return cfg, nil
}
