// Package cli provides the command-line interface for ctxstore.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/zot/ctxstore/ctxstore"
	"github.com/zot/ctxstore/internal/mcp"
)

// Version is the CLI version.
const Version = "0.1.0"

// Output streams, replaceable for embedding.
var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

const usage = `ctxstore - hierarchical context storage in Redis.

Paths are property expressions rooted at a key: foo, foo.bar[2], foo["a.b"].
Values for set are JSON; a bare word that is not JSON is stored as a string.

Usage:
    ctxstore get [options] <scope> <path>...
    ctxstore set [options] [--single] <scope> <assignment>...
    ctxstore del [options] <scope> <path>...
    ctxstore keys [options] <scope>
    ctxstore delete-scope [options] <scope>
    ctxstore clean [options] [<active>...]
    ctxstore mcp [options]
    ctxstore -h | --help
    ctxstore --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    -c --config=<file>     TOML configuration file [default: ctxstore.toml].
    --type=<type>          Store type: redis or memory.
    --host=<host>          Redis host.
    --port=<port>          Redis port.
    --db=<db>              Redis database number.
    --prefix=<prefix>      Key prefix.
    --password=<password>  Redis password.
    --tls                  Connect with TLS.
    --verbosity=<n>        Log verbosity, 0 to 4.
    --single               Apply the value of the first assignment (path=json) to every path.`

var commands = []string{"get", "set", "del", "keys", "delete-scope", "clean", "mcp"}

// Hooks allows extending the CLI.
type Hooks struct {
	// BeforeDispatch is called before command dispatch.
	// Return (handled=true, exitCode) to skip normal dispatch.
	BeforeDispatch func(command string, args []string) (handled bool, exitCode int)

	// CustomHelp returns additional help text to append.
	CustomHelp func() string

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string

	// NewStore creates the store for a command (optional).
	NewStore func(cfg *Config) *Store
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	initGlog()
	defer glog.Flush()
	if args == nil {
		args = []string{}
	}

	if len(args) > 0 && hooks != nil && hooks.BeforeDispatch != nil {
		if handled, code := hooks.BeforeDispatch(args[0], args[1:]); handled {
			return code
		}
	}

	helped := false
	parser := &docopt.Parser{
		HelpHandler: func(err error, text string) {
			helped = true
			if err != nil {
				fmt.Fprintln(Stderr, text)
				return
			}
			fmt.Fprintln(Stdout, text)
		},
	}
	opts, err := parser.ParseArgs(helpText(hooks), args, versionText(hooks))
	if err != nil {
		if !helped {
			fmt.Fprintln(Stderr, err)
		}
		return 1
	}
	if helped {
		return 0
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(Stderr, err)
		return 1
	}

	var store *Store
	if hooks != nil && hooks.NewStore != nil {
		store = hooks.NewStore(cfg)
	} else {
		store = ctxstore.New(cfg)
	}

	ctx := context.Background()
	if err := store.Open(ctx); err != nil {
		fmt.Fprintln(Stderr, err)
		return 1
	}
	defer store.Close()

	for _, command := range commands {
		if on, _ := opts.Bool(command); on {
			if err := dispatch(ctx, store, command, opts); err != nil {
				fmt.Fprintln(Stderr, err)
				return 1
			}
			return 0
		}
	}
	fmt.Fprintln(Stderr, helpText(hooks))
	return 1
}

func dispatch(ctx context.Context, store *Store, command string, opts docopt.Opts) error {
	scope, _ := opts.String("<scope>")
	switch command {
	case "get":
		return runGet(ctx, store, scope, stringList(opts, "<path>"))
	case "set":
		single, _ := opts.Bool("--single")
		return runSet(ctx, store, scope, stringList(opts, "<assignment>"), single)
	case "del":
		return store.Set(ctx, scope, stringList(opts, "<path>"), ctxstore.Many())
	case "keys":
		keys, err := store.Keys(ctx, scope)
		if err != nil {
			return err
		}
		for _, key := range keys {
			fmt.Fprintln(Stdout, key)
		}
		return nil
	case "delete-scope":
		return store.Delete(ctx, scope)
	case "clean":
		return store.Clean(ctx, stringList(opts, "<active>"))
	case "mcp":
		return mcp.Serve(store)
	}
	return fmt.Errorf("unknown command %s", command)
}

// runGet prints one JSON value per path, or "undefined".
func runGet(ctx context.Context, store *Store, scope string, paths []string) error {
	values, err := store.Get(ctx, scope, paths...)
	if err != nil {
		return err
	}
	for _, v := range values {
		if ctxstore.IsUndefined(v) {
			fmt.Fprintln(Stdout, "undefined")
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Fprintln(Stdout, string(data))
	}
	return nil
}

func runSet(ctx context.Context, store *Store, scope string, assignments []string, single bool) error {
	paths := make([]string, len(assignments))
	values := make([]any, len(assignments))
	for i, a := range assignments {
		if single && i > 0 {
			// only the first value counts; the rest may be bare paths
			paths[i], _, _ = strings.Cut(a, "=")
			continue
		}
		p, v, err := ParseAssignment(a)
		if err != nil {
			return err
		}
		paths[i] = p
		values[i] = v
	}
	if single && len(values) > 0 {
		return store.Set(ctx, scope, paths, ctxstore.Single(values[0]))
	}
	return store.Set(ctx, scope, paths, ctxstore.Many(values...))
}

// ParseAssignment splits path=json at the first '='. A value that is not
// valid JSON is taken as a string.
func ParseAssignment(text string) (string, any, error) {
	p, raw, ok := strings.Cut(text, "=")
	if !ok || p == "" {
		return "", nil, fmt.Errorf("expected path=value, got %q", text)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return p, raw, nil
	}
	return p, v, nil
}

// loadConfig layers command line options over the config file and the
// environment.
func loadConfig(opts docopt.Opts) (*Config, error) {
	path, _ := opts.String("--config")
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v, err := opts.String("--type"); err == nil {
		cfg.Store.Type = v
	}
	if v, err := opts.String("--host"); err == nil {
		cfg.Store.Host = v
	}
	if v, err := opts.String("--prefix"); err == nil {
		cfg.Store.Prefix = v
	}
	if v, err := opts.String("--password"); err == nil {
		cfg.Store.Password = v
	}
	if v, _ := opts.Bool("--tls"); v {
		cfg.Store.TLS = true
	}
	for key, field := range map[string]*int{
		"--port":      &cfg.Store.Port,
		"--db":        &cfg.Store.DB,
		"--verbosity": &cfg.Logging.Verbosity,
	} {
		v, err := opts.String(key)
		if err != nil {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a number", key, v)
		}
		*field = n
	}
	return cfg, nil
}

func stringList(opts docopt.Opts, key string) []string {
	list, _ := opts[key].([]string)
	return list
}

func helpText(hooks *Hooks) string {
	if hooks != nil && hooks.CustomHelp != nil {
		return usage + "\n\n" + hooks.CustomHelp()
	}
	return usage
}

func versionText(hooks *Hooks) string {
	v := "ctxstore v" + Version
	if hooks != nil && hooks.CustomVersion != nil {
		v += "\n" + hooks.CustomVersion()
	}
	return v
}

// initGlog sends log output to stderr instead of files.
func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "WARNING")
}
