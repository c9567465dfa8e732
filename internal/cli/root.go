// Package cli implements the decksync command-line interface.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mesh-intelligence/decksync/internal/logging"
	"github.com/mesh-intelligence/decksync/internal/paths"
	"github.com/mesh-intelligence/decksync/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	jsonMode  bool
}

// env is what PersistentPreRunE loads for the subcommands.
type env struct {
	configDir string
	viper     *viper.Viper
	cfg       types.Config
	log       *logrus.Logger
	logCloser io.Closer
}

var (
	flags rootFlags
	app   env
)

// NewRootCmd creates the top-level "decksync" command with global flags
// and all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "decksync",
		Short: "Sync flashcard collections and their media",
		Long: "decksync keeps a flashcard collection in step with a sync server,\n" +
			"merging changes made on several devices, and serves that server too.",
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: func(*cobra.Command, []string) error { return teardown() },
	}

	root.PersistentFlags().StringVar(&flags.configDir, "config-dir", "", "configuration directory (default: platform config dir)")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "collection directory (default: platform data dir)")
	root.PersistentFlags().BoolVar(&flags.jsonMode, "json", false, "output in JSON format")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newMediaCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newUserCmd())
	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	err := NewRootCmd().Execute()
	if err == nil {
		os.Exit(exitSuccess)
	}
	fmt.Fprintln(os.Stderr, "decksync:", err)
	os.Exit(exitCode(err))
}

// exitCode separates what the user can fix from everything else.
func exitCode(err error) int {
	var se *types.SyncError
	if errors.As(err, &se) {
		switch se.Kind {
		case types.KindAuth, types.KindUserCancelled, types.KindClockSkew, types.KindProtocolVersion:
			return exitUserError
		}
		return exitSysError
	}
	var cfgErr configError
	if errors.As(err, &cfgErr) {
		return exitUserError
	}
	return exitSysError
}

// configError marks a failure to load or validate the configuration.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}
	dir, err := paths.ResolveConfigDir(flags.configDir)
	if err != nil {
		return configError{err}
	}
	v, err := loadConfig(dir)
	if err != nil {
		return configError{err}
	}
	cfg, err := decodeConfig(v, flags.dataDir)
	if err != nil {
		return configError{err}
	}
	l, closer, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return configError{err}
	}
	app = env{configDir: dir, viper: v, cfg: cfg, log: l, logCloser: closer}
	return nil
}

func teardown() error {
	if app.logCloser != nil {
		return app.logCloser.Close()
	}
	return nil
}
