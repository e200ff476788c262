package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"go.uber.org/zap"

	"github.com/printhost/dcs/config"
	"github.com/printhost/dcs/daemon"
	"github.com/printhost/dcs/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon until it is interrupted.",
	Long: `Run starts the daemon with the loopback firmware emulator. Settings ` +
		`are read from the settings file, a .env file, DCS_* environment ` +
		`variables and the flags below, in increasing priority.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return run(ctx, cmd)
	},
}

func init() {
	d := config.Default()

	flags := runCmd.Flags()
	flags.String("base-directory", d.BaseDirectory, "directory the virtual SD card is mapped to")
	flags.String("log-level", d.LogLevel, "debug, info, warn or error")
	flags.Bool("log-console", d.LogConsole, "log for a terminal instead of JSON lines")
	flags.Int("monitor-port", d.MonitorPort, "port of the monitoring server, 0 to disable")
	flags.String("trace-db", d.TraceDB, "record every code into this SQLite database")
	flags.Duration("tick-interval", d.TickInterval, "how often the firmware link is polled")
	flags.Int("protocol-version", d.ProtocolVersion, "link protocol version of the firmware")
	flags.String("print", "", "start printing this file")
	flags.Bool("simulate", false, "simulate the file given by --print instead of printing it")

	rootCmd.AddCommand(runCmd)
}

func run(ctx context.Context, cmd *cobra.Command) error {
	v := config.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return err
	}

	settings, err := config.Load(v, configFile)
	if err != nil {
		return err
	}

	log, err := logging.New(settings.LogLevel, settings.LogConsole)
	if err != nil {
		return err
	}
	atexit.Register(func() { _ = log.Sync() })

	d, err := daemon.MakeBuilder().
		WithSettings(settings).
		WithLogger(log).
		Build(ctx)
	if err != nil {
		return err
	}

	if file, _ := cmd.Flags().GetString("print"); file != "" {
		simulate, _ := cmd.Flags().GetBool("simulate")

		if err := d.Print(ctx, file, simulate); err != nil {
			d.Stop()
			return fmt.Errorf("cannot print: %w", err)
		}

		log.Info("printing", zap.String("file", file), zap.Bool("simulate", simulate))
	}

	return d.Run(ctx)
}
