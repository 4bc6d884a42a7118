package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bigbag/flashlog/internal/config"
	"github.com/bigbag/flashlog/internal/logging"
	"github.com/bigbag/flashlog/internal/recstore"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// app carries the global flags and the state built from them.
type app struct {
	configPath string
	backend    string
	image      string
	port       string

	cfg    *config.Config
	log    *slog.Logger
	out    io.Writer
	errOut io.Writer
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps store error kinds to distinct exit statuses.
func exitCode(err error) int {
	switch k := recstore.KindOf(err); k {
	case recstore.KindOK, recstore.KindUnknown:
		return 1
	default:
		return int(k)
	}
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	rootCmd := &cobra.Command{
		Use:   "flashlog",
		Short: "Inspect and maintain a SPI NOR flash record store",
		Long: `flashlog drives the append-only record store kept on a W25Q64 SPI NOR
flash: store and read records, rebuild the index, print diagnostics and
archive records to SQLite or publish them over Modbus.

The flash is reached through a simulated chip image, a Linux spidev port
(or FTDI adapter), or a USB-serial SPI bridge.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "Config file (embedded defaults if not specified)")
	pf.StringVar(&a.backend, "backend", "", "Device backend: image, spidev or bridge")
	pf.StringVar(&a.image, "image", "", "Flash image file for the image backend")
	pf.StringVarP(&a.port, "port", "p", "", "SPI port (spidev) or serial port (bridge)")

	// Store commands
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show chip and store info",
		Args:  cobra.NoArgs,
		RunE:  a.runInfo,
	}

	storeCmd := &cobra.Command{
		Use:   "store [file|-]",
		Short: "Store one record",
		Long:  "Store one record read from a file, from stdin (-), or given with --text.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  a.runStore,
	}
	storeCmd.Flags().String("text", "", "Record payload")

	readCmd := &cobra.Command{
		Use:   "read <id>",
		Short: "Print one record",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runRead,
	}
	readCmd.Flags().Bool("hex", false, "Hex dump instead of raw bytes")

	latestCmd := &cobra.Command{
		Use:   "latest",
		Short: "List the most recent records",
		Args:  cobra.NoArgs,
		RunE:  a.runLatest,
	}
	latestCmd.Flags().IntP("count", "n", 5, "Number of records")

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Rebuild the record cache from the data area",
		Args:  cobra.NoArgs,
		RunE:  a.runScan,
	}
	scanCmd.Flags().Bool("save", false, "Persist the rebuilt index")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print store and cache diagnostics",
		Args:  cobra.NoArgs,
		RunE:  a.runStatus,
	}

	fillCmd := &cobra.Command{
		Use:   "fill",
		Short: "Store synthetic records",
		Long:  "Store synthetic records until the count is reached, the store is full or the command is interrupted.",
		Args:  cobra.NoArgs,
		RunE:  a.runFill,
	}
	fillCmd.Flags().Int("count", 100, "Number of records")
	fillCmd.Flags().Int("size", 64, "Payload size in bytes")

	// Export commands
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Archive readable records to SQLite",
		Args:  cobra.NoArgs,
		RunE:  a.runExport,
	}
	exportCmd.Flags().String("sqlite", "", "Archive database (config export.sqlite if not specified)")
	exportCmd.Flags().Bool("list", false, "List archived sessions instead of exporting")
	exportCmd.Flags().String("show", "", "Print the records of an archived session instead of exporting")

	pushCmd := &cobra.Command{
		Use:   "push <id>",
		Short: "Write a record to the configured Modbus holding registers",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runPush,
	}

	// Bridge commands
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE:  a.runList,
	}

	detectCmd := &cobra.Command{
		Use:   "detect",
		Short: "Find SPI bridges and identify their flash chips",
		Args:  cobra.NoArgs,
		RunE:  a.runDetect,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.out, "flashlog %s\n", version)
			fmt.Fprintf(a.out, "  commit: %s\n", commit)
			fmt.Fprintf(a.out, "  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(infoCmd, storeCmd, readCmd, latestCmd, scanCmd, statusCmd, fillCmd,
		exportCmd, pushCmd, listCmd, detectCmd, versionCmd)
	return rootCmd
}

// setup loads the configuration, applies flag overrides and builds the logger.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	var (
		cfg *config.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = config.Load(a.configPath)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		return err
	}

	if a.backend != "" {
		cfg.Device.Backend = a.backend
	}
	if a.image != "" {
		cfg.Device.Image = a.image
	}
	if a.port != "" {
		cfg.Device.SPI.Port = a.port
		cfg.Device.Bridge.Port = a.port
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	config.Normalize(cfg)

	log, err := logging.New(cfg.Log, a.errOut)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log
	return nil
}
