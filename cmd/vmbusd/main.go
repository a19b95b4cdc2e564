// Package main is the vmbusd entrypoint.
package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hyperv-go/vmbus/internal/util"
	"github.com/hyperv-go/vmbus/internal/version"
)

const (
	flagLogLevel            = "log-level"
	flagSkipHypervDetection = "skip-hyperv-detection"
	flagRingSize            = "ring-size"
)

var rootCmd = &cobra.Command{
	Use:                "vmbusd",
	Short:              "brings up a Hyper-V VMBus connection",
	Long:               "vmbusd negotiates a VMBus connection to the Hyper-V host and registers offered channels as device nodes",
	PersistentPreRunE:  setup,
	PersistentPostRunE: cleanup,
	RunE:               runBus,
}

var (
	logger    *slog.Logger
	ctx       context.Context
	ctxCancel context.CancelFunc
)

func parseLevel(s string) (slog.Level, error) {
	if strings.ToUpper(s) == "TRACE" {
		return util.LogLevelTrace, nil
	}

	var level slog.Level

	err := level.UnmarshalText([]byte(s))

	return level, err
}

func setup(cmd *cobra.Command, _ []string) error {
	level, err := parseLevel(viper.GetString(flagLogLevel))
	if err != nil {
		panic("error parsing log level")
	}

	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})).With("command", cmd.Name())

	ctx, ctxCancel = context.WithCancel(context.Background())

	hello := "vmbusd " + version.Name
	logger.Info(hello, "version", version.Tag)

	return nil
}

func cleanup(_ *cobra.Command, _ []string) error {
	if ctxCancel != nil {
		ctxCancel()
	}

	return nil
}

func init() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`))
	viper.SetEnvPrefix("vmbusd")

	pf := rootCmd.PersistentFlags()
	pf.String(flagLogLevel, "info", "log level (error, warning, info, debug, trace)")
	pf.Bool(flagSkipHypervDetection, false, "skip Hyper-V detection and attempt bring-up unconditionally")
	pf.Int(flagRingSize, 4096, "default per-channel ring data-area size in bytes, must be a power of two")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
