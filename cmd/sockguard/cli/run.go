package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tkingovr/sockguard/internal/config"
	"github.com/tkingovr/sockguard/internal/proxy"
)

var runCmd = &cobra.Command{
	Use:   "run [--upstream PATH] --socket PATH [filter...] [--socket ...]",
	Short: "Run the proxy",
	Long: `Run the proxy with sockets described on the command line or in the
config file.

Flag order matters: --upstream starts a group, and every --socket that
follows proxies that agent. Filter terms after a --socket restrict
which keys it exposes; terms on one --socket must all match (AND), and
repeating --socket with the same path adds an alternative (OR). A
--socket with no terms exposes every key.`,
	Example: `  sockguard run --socket ~/.sockguard/work.sock "comment=work*" "type=ed25519"
  sockguard run --upstream /run/agent-a.sock --socket /tmp/a.sock "fingerprint=SHA256:abc" \
                --upstream /run/agent-b.sock --socket /tmp/b.sock
  sockguard run -c ~/.config/sockguard/config.toml`,
	// Flag order carries meaning here, so cobra's parser stays out of
	// the way and runArgs scans the raw tokens.
	DisableFlagParsing: true,
	RunE:               runProxy,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// runArgs is the scanned form of a `run` command line.
type runArgs struct {
	configPath string
	verbose    bool
	auditDir   string
	timeout    time.Duration
	sockets    []config.Socket
	help       bool
}

func (a *runArgs) topologyFlags() bool { return len(a.sockets) > 0 }

func parseRunArgs(args []string) (*runArgs, error) {
	out := &runArgs{}

	var (
		upstream string // current group; "" is the default agent
		cur      *config.Socket
		terms    []string
		matchAll = map[string]bool{}
		index    = map[string]int{}
	)

	flush := func() {
		if cur == nil {
			return
		}
		if len(terms) == 0 {
			matchAll[cur.Path] = true
		} else {
			cur.Filters = append(cur.Filters, terms)
		}
		cur, terms = nil, nil
	}

	next := func(i *int, flag string) (string, error) {
		*i++
		if *i >= len(args) {
			return "", fmt.Errorf("%s needs a value", flag)
		}
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		switch arg := args[i]; arg {
		case "--help", "-h":
			out.help = true
		case "--config", "-c":
			v, err := next(&i, arg)
			if err != nil {
				return nil, err
			}
			out.configPath = v
		case "--verbose", "-v":
			out.verbose = true
		case "--log":
			v, err := next(&i, arg)
			if err != nil {
				return nil, err
			}
			out.auditDir = v
		case "--timeout":
			v, err := next(&i, arg)
			if err != nil {
				return nil, err
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid --timeout %q", v)
			}
			out.timeout = d
		case "--upstream":
			v, err := next(&i, arg)
			if err != nil {
				return nil, err
			}
			flush()
			upstream = v
		case "--socket":
			v, err := next(&i, arg)
			if err != nil {
				return nil, err
			}
			flush()
			if at, seen := index[v]; seen {
				if out.sockets[at].Upstream != upstream {
					return nil, fmt.Errorf("socket %s repeated under a different upstream", v)
				}
				cur = &out.sockets[at]
				break
			}
			index[v] = len(out.sockets)
			out.sockets = append(out.sockets, config.Socket{Path: v, Upstream: upstream})
			cur = &out.sockets[len(out.sockets)-1]
		case "--mode":
			v, err := next(&i, arg)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				return nil, fmt.Errorf("--mode before any --socket")
			}
			mode, err := config.ParseMode(v)
			if err != nil {
				return nil, err
			}
			cur.Mode = mode
		default:
			if cur == nil {
				return nil, fmt.Errorf("filter term %q before any --socket", arg)
			}
			terms = append(terms, arg)
		}
	}
	flush()

	// A termless occurrence means "everything", which swallows any
	// other alternatives for the same path.
	for i := range out.sockets {
		if matchAll[out.sockets[i].Path] {
			out.sockets[i].Filters = nil
		}
	}

	return out, nil
}

func runProxy(cmd *cobra.Command, args []string) error {
	opts, err := parseRunArgs(args)
	if err != nil {
		return err
	}
	if opts.help {
		return cmd.Help()
	}
	if opts.configPath != "" && opts.topologyFlags() {
		return fmt.Errorf("--socket flags and --config cannot be combined")
	}

	var cfg *config.Config
	switch {
	case opts.configPath != "":
		cfg, err = config.Load(opts.configPath)
		if err != nil {
			return err
		}
	case opts.topologyFlags():
		cfg = config.DefaultConfig()
		cfg.Sockets = opts.sockets
	default:
		path := config.Locate()
		if path == "" {
			return fmt.Errorf("no --socket given and no config file found")
		}
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
	}

	if opts.auditDir != "" {
		cfg.AuditDir = opts.auditDir
	}
	if opts.timeout != 0 {
		cfg.Timeout = opts.timeout
	}

	level := cfg.LogLevel
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger = newLoggerAt(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	return proxy.Run(ctx, cfg.Topology(), cfg.RunOptions(logger))
}
