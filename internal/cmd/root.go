// Package cmd implements the gorws command line.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/gorws/internal/config"
	"github.com/3leaps/gorws/internal/observability"
	"github.com/3leaps/gorws/internal/server/handlers"
)

var (
	cfgFile string
	verbose bool

	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{
		Version:   "dev",
		Commit:    "unknown",
		BuildDate: "unknown",
	}

	appIdentity *config.Identity
)

var rootCmd = &cobra.Command{
	Use:   "gorws",
	Short: "Asynchronous request dispatch server",
	Long: `gorws accepts requests to run named functions over HTTP.

A request runs inline and returns its result, or runs in the background and
is polled by request id (FUTURE_CALL) or delivered by mail (MAIL) or SMS (SMS).
Functions are declared in YAML or HCL manifests that bind names to built-in
capabilities.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initIdentity()
		observability.InitCLILogger(appIdentity.BinaryName, verbose)
		if cfgFile != "" {
			config.SetConfigFile(cfgFile)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./gorws.yaml or the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug output")
}

// Execute runs the root command. The returned error carries the process exit
// code; see ExitCode.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity resolved at startup, or nil before the
// root command has run.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

func initIdentity() {
	if appIdentity != nil {
		return
	}
	if id := config.GetIdentity(); id != nil {
		appIdentity = id
		return
	}
	id := config.DefaultIdentity
	config.SetIdentity(id)
	appIdentity = &id
}

// setDefaults installs config defaults on the global viper instance. Only
// commands that inspect viper directly rely on it; config.Load uses its own.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *exitCodeError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	return &exitCodeError{code: code, message: message, err: err}
}

// ExitCode maps an error returned by Execute onto a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	return 1
}

// ExitWithCode logs err and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger == nil {
		logger = observability.CLILogger
	}
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	os.Exit(code)
}
