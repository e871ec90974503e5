package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/gosuri/uitable"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/smdeploy/internal/config"
	"github.com/bigbag/smdeploy/internal/deploy"
	"github.com/bigbag/smdeploy/internal/detect"
	"github.com/bigbag/smdeploy/internal/gdf"
	"github.com/bigbag/smdeploy/internal/log"
	"github.com/bigbag/smdeploy/internal/metrics"
	"github.com/bigbag/smdeploy/internal/protocol"
	"github.com/bigbag/smdeploy/internal/serial"
	"github.com/bigbag/smdeploy/internal/smlink"
	"github.com/bigbag/smdeploy/internal/upgrade"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	flags          = config.New()
	cfg            *config.Config
	configFile     string
	deviceTypeFlag int
	scanFlag       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "smdeploy",
		Short: "Configure and upgrade drives on a serial field bus",
		Long: `smdeploy deploys configuration scripts (.drc) and firmware containers (.gdf)
to motor drives connected over a serial field bus.

Settings can also be given in a config file (--config) or as environment
variables prefixed with SMDEPLOY_, e.g. SMDEPLOY_PORT or SMDEPLOY_LOG_LEVEL.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Std().Sync()
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (yaml, json or toml)")
	flags.AddFlags(rootCmd.PersistentFlags())

	// Deploy command
	deployCmd := &cobra.Command{
		Use:   "deploy <config.drc>",
		Short: "Deploy a configuration script to a drive",
		Long: `Write the parameters of a configuration script to a drive.

Only parameters whose register value differs from the script are written.
The configuration is saved on the drive if anything changed.`,
		Args: cobra.ExactArgs(1),
		RunE: runDeploy,
	}
	flags.AddDeployFlags(deployCmd.Flags())

	// Upload command
	uploadCmd := &cobra.Command{
		Use:   "upload <firmware.gdf>",
		Short: "Install firmware on a drive",
		Long: `Install a firmware container on a drive.

The drive is restarted into DFU mode if needed. Argon drives cannot be
switched by command: start one into DFU mode with its DIP switches and use
address 255.`,
		Args: cobra.ExactArgs(1),
		RunE: runUpload,
	}

	// UID command
	uidCmd := &cobra.Command{
		Use:   "uid",
		Short: "Show the unique id of the installed firmware",
		Args:  cobra.NoArgs,
		RunE:  runUID,
	}

	// Inspect command
	inspectCmd := &cobra.Command{
		Use:   "inspect <firmware.gdf>",
		Short: "Validate a firmware container and show its contents",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	inspectCmd.Flags().IntVar(&deviceTypeFlag, "device-type", 0, "Check against this device type instead of the connected drive")

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show drive info",
		Long:  "Identify the drive at --address, or scan all serial ports when no port is given.",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}
	infoCmd.Flags().BoolVar(&scanFlag, "dfu", false, "Also probe the DFU fallback addresses")

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("smdeploy %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(deployCmd, uploadCmd, uidCmd, inspectCmd, infoCmd, listCmd, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load(cmd.Flags(), configFile)
	if err != nil {
		return err
	}
	logger, err := log.NewLogger(c.Log)
	if err != nil {
		return err
	}
	log.SetStd(logger)
	cfg = c
	return nil
}

// openLink opens the configured port, or the first port with a drive
// answering at the configured address.
func openLink(ctx context.Context, dfu bool) (*serial.Port, *smlink.Bus, error) {
	portName := cfg.Port
	if portName == "" {
		fmt.Println("Detecting drive...")
		devices, err := scan(ctx, dfu)
		if err != nil {
			return nil, nil, err
		}
		if len(devices) == 0 {
			return nil, nil, fmt.Errorf("no drive found at address %d", cfg.Address)
		}
		portName = devices[0].Port
		fmt.Printf("Found drive type %d on %s\n", devices[0].DeviceType, portName)
	}

	port, err := serial.Open(portName, cfg.Baud)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open port: %w", err)
	}
	fmt.Printf("Port: %s @ %d baud\n", portName, cfg.Baud)

	logger := log.Std().WithName("bus").WithValues("port", portName)
	bus := smlink.NewBus(smlink.NewSerialTransport(port, cfg.Timeout), smlink.WithLogger(logger))
	return port, bus, nil
}

func scan(ctx context.Context, dfu bool) ([]detect.Device, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	if len(ports) == 0 {
		return nil, errors.New("no serial ports found")
	}
	s := &detect.Scanner{
		Baud:    cfg.Baud,
		Timeout: cfg.Timeout,
		DFU:     dfu,
		Log:     log.Std().WithName("detect"),
	}
	return s.Scan(ctx, ports, cfg.Address)
}

func writeMetrics(m *metrics.Metrics) {
	if cfg.MetricsTextfile == "" {
		return
	}
	if err := m.WriteTextfile(cfg.MetricsTextfile); err != nil {
		log.Std().Error(err, "failed to write metrics")
	}
}

func runDeploy(cmd *cobra.Command, args []string) error {
	scriptPath := args[0]

	port, bus, err := openLink(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer port.Close()

	var bar *progressbar.ProgressBar
	engine := deploy.New(bus, cfg.Address,
		deploy.WithLogger(log.Std().WithName("deploy")),
		deploy.WithProgress(func(done, total int) {
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetDescription("Deploying"),
					progressbar.OptionSetWidth(40),
					progressbar.OptionShowCount(),
					progressbar.OptionThrottle(100*time.Millisecond),
					progressbar.OptionClearOnFinish(),
				)
			}
			bar.Set(done)
		}),
	)

	fmt.Printf("Deploying %s to drive %d...\n", scriptPath, cfg.Address)
	res, err := engine.DeployFile(cmd.Context(), scriptPath, cfg.Deploy.Mode())
	if bar != nil {
		bar.Finish()
	}

	m := metrics.New()
	m.ObserveDeploy(res, err)
	writeMetrics(m)

	fmt.Printf("\n%s: %d changed, %d skipped, %d failed, %d invalid\n",
		res.Status, res.Changed-res.Errors, res.Skipped, res.Errors, res.Invalid)
	if err != nil {
		return err
	}
	if n := res.Errors + res.Invalid; n > 0 {
		return fmt.Errorf("%d parameters could not be written", n)
	}
	return nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	firmwarePath := args[0]

	port, bus, err := openLink(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer port.Close()

	session := upgrade.NewFileSession(bus, cfg.Address, firmwarePath,
		upgrade.WithLogger(log.Std().WithName("upgrade")))

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("Installing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	fmt.Printf("Installing %s on drive %d...\n", firmwarePath, cfg.Address)
	start := time.Now()
	err = session.Run(cmd.Context(), func(p int) {
		bar.Set(p)
	})
	bar.Finish()

	m := metrics.New()
	m.ObserveUpload(err, session.LastDiagnostic(), time.Since(start))
	writeMetrics(m)

	if err != nil {
		return fmt.Errorf("%s: %w", upgrade.StatusOf(err), err)
	}
	fmt.Printf("\n%s\n", upgrade.Complete)
	return nil
}

func runUID(cmd *cobra.Command, args []string) error {
	port, bus, err := openLink(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer port.Close()

	id, err := upgrade.FirmwareUniqueID(bus, cfg.Address)
	if err != nil {
		return err
	}
	fmt.Printf("Firmware UID: 0x%08X\n", id)
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read firmware file: %w", err)
	}

	deviceType := int32(deviceTypeFlag)
	if deviceType == 0 {
		port, bus, err := openLink(cmd.Context(), true)
		if err != nil {
			return err
		}
		dev, err := identify(bus)
		port.Close()
		if err != nil {
			return err
		}
		deviceType = dev.DeviceType
	}

	c, err := gdf.Parse(data, uint32(deviceType))
	if gdf.IsValidation(err) {
		return fmt.Errorf("firmware rejected for device type %d: %s: %w", deviceType, upgrade.StatusOf(err), err)
	}
	if err != nil {
		return err
	}

	format := "chunked"
	if c.Legacy() {
		format = "legacy"
	}
	fmt.Printf("File:       %s (%d bytes)\n", args[0], len(data))
	fmt.Printf("Format:     %s\n", format)
	fmt.Printf("Version:    %d (compatible with %d)\n", c.Version, c.CompatVersion)
	fmt.Printf("Devices:    %d-%d\n", c.DeviceIDMin, c.DeviceIDMax)
	fmt.Printf("Primary:    %d bytes at 0x%X\n", c.Primary.Length, c.Primary.Offset)
	if sec := c.SecondaryData(data); sec != nil {
		fmt.Printf("Secondary:  %d bytes at 0x%X\n", len(sec), c.Secondary.Offset)
	}
	if c.HasPrimaryUID {
		fmt.Printf("UID:        0x%08X\n", c.PrimaryUID)
	}
	fmt.Printf("Checksum:   0x%08X\n", c.Checksum)
	if len(c.Chunks) == 0 {
		return nil
	}

	table := uitable.New()
	table.MaxColWidth = 32
	table.AddRow("CHUNK", "TYPE", "OPTIONS", "OFFSET", "SIZE")
	for _, ch := range c.Chunks {
		table.AddRow(ch.Name, ch.Type, fmt.Sprintf("0x%04X", ch.Options), fmt.Sprintf("0x%X", ch.Region.Offset), ch.Region.Length)
	}
	fmt.Println()
	fmt.Println(table)
	return nil
}

// identify finds the drive at the configured address, or in DFU mode.
func identify(bus *smlink.Bus) (detect.Device, error) {
	dev, err := detect.Identify(bus, cfg.Address)
	if err == nil {
		return dev, nil
	}
	addr, _, dfuErr := detect.FindDFUAddress(bus, protocol.DFUAddressFirst, protocol.DFUAddressLast)
	if dfuErr != nil {
		return detect.Device{}, fmt.Errorf("no drive at address %d: %w", cfg.Address, err)
	}
	return detect.Identify(bus, addr)
}

func runInfo(cmd *cobra.Command, args []string) error {
	if cfg.Port != "" {
		port, bus, err := openLink(cmd.Context(), scanFlag)
		if err != nil {
			return err
		}
		defer port.Close()

		dev, err := detect.Identify(bus, cfg.Address)
		if err != nil {
			return fmt.Errorf("failed to identify drive %d on %s: %w", cfg.Address, cfg.Port, err)
		}
		dev.Port = cfg.Port
		printDeviceInfo(&dev)
		return nil
	}

	fmt.Println("Scanning for drives...")
	devices, err := scan(cmd.Context(), scanFlag)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No drives found")
		return nil
	}

	table := uitable.New()
	table.AddRow("PORT", "ADDRESS", "TYPE", "FIRMWARE", "MODE")
	for _, d := range devices {
		table.AddRow(d.Port, d.Address, d.DeviceType, d.FirmwareVersion, busMode(&d))
	}
	fmt.Printf("Found %d drive(s):\n\n", len(devices))
	fmt.Println(table)
	return nil
}

func busMode(d *detect.Device) string {
	if d.InDFU() {
		return "DFU"
	}
	return "normal"
}

func printDeviceInfo(d *detect.Device) {
	fmt.Printf("  Port:     %s\n", d.Port)
	fmt.Printf("  Address:  %d\n", d.Address)
	fmt.Printf("  Type:     %d\n", d.DeviceType)
	fmt.Printf("  Firmware: %d\n", d.FirmwareVersion)
	fmt.Printf("  Mode:     %s\n", busMode(d))
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPortDetails()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	table := uitable.New()
	table.MaxColWidth = 40
	table.AddRow("PORT", "USB ID", "SERIAL", "PRODUCT")
	for _, p := range ports {
		id := "-"
		if p.USB {
			id = p.VID + ":" + p.PID
		}
		table.AddRow(p.Name, id, p.SerialNumber, p.Product)
	}
	fmt.Println("Available serial ports:")
	fmt.Println(table)
	return nil
}
