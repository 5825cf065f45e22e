package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bigbag/ota-flasher/internal/config"
	"github.com/bigbag/ota-flasher/internal/flasher"
	"github.com/bigbag/ota-flasher/internal/logging"
	"github.com/bigbag/ota-flasher/internal/protocol"
	"github.com/bigbag/ota-flasher/internal/serial"
	"github.com/bigbag/ota-flasher/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configFlag    string
	transportFlag string
	brokerFlag    string
	portFlag      string
	baudFlag      int
	verboseFlag   bool

	massFlag     bool
	startFlag    uint8
	countFlag    uint8
	fwVersion    string
	programAddr  string
	jumpAddr     string
	appFlag      bool
	stayInBLFlag bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ota-flasher",
		Short: "Update STM32 firmware through the bootloader over MQTT",
		Long: `OTA Flasher drives the STM32 bootloader through an MQTT broker
(or a UART bridge) to read the application version, erase flash,
program a firmware image and jump into the application.`,
		SilenceUsage: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFlag, "config", "c", "", "Config file (default ./ota-flasher.yaml)")
	pf.StringVarP(&transportFlag, "transport", "t", "", "Transport: mqtt or serial")
	pf.StringVar(&brokerFlag, "broker", "", "MQTT broker URL")
	pf.StringVarP(&portFlag, "port", "p", "", "Serial port of the UART bridge")
	pf.IntVarP(&baudFlag, "baud", "b", 0, "Serial baud rate")
	pf.BoolVarP(&verboseFlag, "verbose", "v", false, "Log every packet")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Read the application version from the device",
		Args:  cobra.NoArgs,
		RunE:  runVersion,
	}

	eraseCmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase flash sectors",
		Long: `Erase flash memory on the device.

Use --mass to erase the whole flash, or --start and --count to erase
a range of sectors.`,
		Args: cobra.NoArgs,
		RunE: runErase,
	}
	eraseCmd.Flags().BoolVar(&massFlag, "mass", false, "Mass erase")
	eraseCmd.Flags().Uint8Var(&startFlag, "start", 0, "First sector to erase")
	eraseCmd.Flags().Uint8Var(&countFlag, "count", 0, "Number of sectors to erase")

	programCmd := &cobra.Command{
		Use:   "program <firmware.bin>",
		Short: "Program a firmware image",
		Args:  cobra.ExactArgs(1),
		RunE:  runProgram,
	}
	programCmd.Flags().StringVar(&fwVersion, "fw-version", "", "Firmware version major.minor.patch (required)")
	programCmd.Flags().StringVarP(&programAddr, "address", "a", fmt.Sprintf("0x%08X", protocol.ApplicationAddress), "Start address (hex)")
	programCmd.MarkFlagRequired("fw-version")

	jumpCmd := &cobra.Command{
		Use:   "jump",
		Short: "Jump to the application or a specific address",
		Long: `Leave the bootloader.

Use --app to start the resident application (add --stay-in-bootloader to
boot into the bootloader again on next power-up), or --address to jump
to a specific address.`,
		Args: cobra.NoArgs,
		RunE: runJump,
	}
	jumpCmd.Flags().BoolVar(&appFlag, "app", false, "Jump to the main application")
	jumpCmd.Flags().StringVarP(&jumpAddr, "address", "a", "", "Jump to a specific address (hex)")
	jumpCmd.Flags().BoolVar(&stayInBLFlag, "stay-in-bootloader", false, "Boot into the bootloader on next power-up")

	menuCmd := &cobra.Command{
		Use:   "menu",
		Short: "Interactive menu",
		Args:  cobra.NoArgs,
		RunE:  runMenu,
	}

	portsCmd := &cobra.Command{
		Use:   "ports",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE:  runPorts,
	}

	buildCmd := &cobra.Command{
		Use:   "build-info",
		Short: "Show build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ota-flasher %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(versionCmd, eraseCmd, programCmd, jumpCmd, menuCmd, portsCmd, buildCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// session bundles a connected flasher with its cleanup.
type session struct {
	flasher *flasher.Flasher
	log     *zap.Logger
	closer  io.Closer
}

func (s *session) Close() {
	if s.closer != nil {
		s.closer.Close()
	}
	s.log.Sync()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, err
	}

	if transportFlag != "" {
		cfg.Transport = transportFlag
	}
	if brokerFlag != "" {
		cfg.MQTT.Broker = brokerFlag
	}
	if portFlag != "" {
		cfg.Serial.Port = portFlag
		if transportFlag == "" {
			cfg.Transport = config.TransportSerial
		}
	}
	if baudFlag > 0 {
		cfg.Serial.Baud = baudFlag
	}
	if verboseFlag {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func connect(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.Logging)

	var (
		port   transport.Port
		closer io.Closer
	)
	switch cfg.Transport {
	case config.TransportSerial:
		if cfg.Serial.Port == "" {
			log.Sync()
			return nil, fmt.Errorf("no serial port given (use --port, see 'ota-flasher ports')")
		}
		fmt.Printf("Port: %s @ %d baud\n", cfg.Serial.Port, cfg.Serial.Baud)
		link, err := serial.Dial(cfg.Serial.Port, cfg.Serial.Baud, log)
		if err != nil {
			log.Sync()
			return nil, err
		}
		port, closer = link, link
	default:
		fmt.Printf("Broker: %s\n", cfg.MQTT.Broker)
		client, err := transport.DialMQTT(ctx, cfg.MQTT, log)
		if err != nil {
			log.Sync()
			return nil, err
		}
		port, closer = client, client
	}

	r := cfg.Protocol.Retries
	f := flasher.New(transport.Paced(port, cfg.Protocol.PacketDelay),
		flasher.WithLogger(log),
		flasher.WithResponseTimeout(cfg.Protocol.ResponseTimeout),
		flasher.WithRetries(r.Handshake, r.Command, r.Transfer),
	)

	return &session{flasher: f, log: log, closer: closer}, nil
}

func runVersion(cmd *cobra.Command, args []string) error {
	s, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	return doGetVersion(cmd.Context(), s.flasher)
}

func runErase(cmd *cobra.Command, args []string) error {
	spec := protocol.MassErase()
	if !massFlag {
		if !cmd.Flags().Changed("count") {
			return fmt.Errorf("use --mass or --start/--count")
		}
		spec = protocol.EraseSpec{StartSector: startFlag, SectorCount: countFlag}
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	s, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	return doErase(cmd.Context(), s.flasher, spec)
}

func runProgram(cmd *cobra.Command, args []string) error {
	firmwarePath := args[0]

	firmware, err := os.ReadFile(firmwarePath)
	if err != nil {
		return fmt.Errorf("failed to read firmware file: %w", err)
	}

	v, err := parseVersion(fwVersion)
	if err != nil {
		return err
	}
	address, err := parseHex32(programAddr)
	if err != nil {
		return err
	}

	fmt.Printf("Firmware: %s (%d bytes)\n", firmwarePath, len(firmware))

	s, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	return doProgram(cmd.Context(), s.flasher, v, address, firmware)
}

func runJump(cmd *cobra.Command, args []string) error {
	var spec protocol.JumpSpec
	switch {
	case appFlag && jumpAddr != "":
		return fmt.Errorf("--app and --address are mutually exclusive")
	case appFlag:
		spec = protocol.NewJumpToApplication(stayInBLFlag)
	case jumpAddr != "":
		address, err := parseHex32(jumpAddr)
		if err != nil {
			return err
		}
		if stayInBLFlag {
			fmt.Println("Note: --stay-in-bootloader is ignored for a specific address")
		}
		spec = protocol.NewJumpToAddress(address)
	default:
		return fmt.Errorf("use --app or --address")
	}

	s, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	return doJump(cmd.Context(), s.flasher, spec)
}

func runPorts(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}

func doGetVersion(ctx context.Context, f *flasher.Flasher) error {
	fmt.Println("Requesting version...")
	v, err := f.GetVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Version: %s\n", v)
	return nil
}

func doErase(ctx context.Context, f *flasher.Flasher, spec protocol.EraseSpec) error {
	fmt.Printf("Erasing: %s...\n", spec)
	if err := f.Erase(ctx, spec); err != nil {
		return err
	}
	fmt.Println("Erase command acknowledged")
	return nil
}

func doProgram(ctx context.Context, f *flasher.Flasher, v protocol.Version, address uint32, firmware []byte) error {
	header := protocol.FlashProgramHeader{
		Version:      v,
		StartAddress: address,
		ImageSize:    uint32(len(firmware)),
	}

	bar := progressbar.NewOptions(protocol.CalculateChunks(len(firmware)),
		progressbar.OptionSetDescription("Flashing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	f.SetProgressCallback(func(current, total int) {
		bar.Set(current)
	})
	defer f.SetProgressCallback(nil)

	fmt.Printf("Programming %s at 0x%08X (%d bytes)...\n", v, address, len(firmware))
	if err := f.Program(ctx, header, firmware); err != nil {
		bar.Exit()
		return err
	}

	bar.Finish()
	fmt.Println("\nFlash programming completed successfully!")
	return nil
}

func doJump(ctx context.Context, f *flasher.Flasher, spec protocol.JumpSpec) error {
	fmt.Printf("Jumping to %s...\n", spec)
	if err := f.Jump(ctx, spec); err != nil {
		return err
	}
	fmt.Println("Jump command acknowledged")
	return nil
}

// parseVersion parses major.minor.patch with each part in 0..255.
func parseVersion(s string) (protocol.Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return protocol.Version{}, fmt.Errorf("invalid version %q: want major.minor.patch", s)
	}
	var nums [3]byte
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
		if err != nil {
			return protocol.Version{}, fmt.Errorf("invalid version %q: %w", s, err)
		}
		nums[i] = byte(n)
	}
	return protocol.Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// parseHex32 parses a 32-bit hex value with or without 0x prefix.
func parseHex32(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex address %q: %w", s, err)
	}
	return uint32(n), nil
}
