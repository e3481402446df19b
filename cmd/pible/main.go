package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pible/internal/bluetooth"
	"pible/internal/logging"
	"pible/internal/supervisor"
	"pible/internal/util"
)

var (
	useGPSFlag         string
	locationAddrFlag   string
	locationSrcFlag    string
	gpsdAddrFlag       string
	gpsDeviceFlag      string
	gpsBaudFlag        int
	modeFlag           int
	scanAdapterFlag    int
	adapterIndexFlag   int
	connectAdapterFlag int
	updateModeFlag     int
	helperModeFlag     string
	maxConnectFlag     int
	tagFlag            string
	dataDirFlag        string
	customDataFlag     string
	dbPathFlag         string
	agingMapFlag       string
	restartBlueZFlag   bool
	bluezCacheFlag     string
	statsIntervalFlag  int
)

var rootCmd = &cobra.Command{
	Use:   "pible",
	Short: "BLE reconnaissance agent",
	Long: `pible scans for nearby Bluetooth Low Energy devices, records every
advertisement it sees, and optionally connects to enumerate GATT services on
devices that meet its enrichment criteria.

It supports a single-radio mode (one adapter scans and connects) and a
dual-radio mode (one adapter scans, a second dedicated adapter connects).`,
	RunE: runAgent,
}

func init() {
	rootCmd.SilenceUsage = true

	rootCmd.Flags().StringVar(&useGPSFlag, "use-gps", "", "Enable location ingress and wait for first fix: 'y' or 'n' (prompted if omitted)")
	rootCmd.Flags().StringVar(&locationAddrFlag, "gps-addr", "0.0.0.0:5000", "Address the location ingress HTTP server listens on")
	rootCmd.Flags().StringVar(&locationSrcFlag, "gps-source", "http", "Location source: http|gpsd|serial|auto")
	rootCmd.Flags().StringVar(&gpsdAddrFlag, "gpsd-addr", "127.0.0.1:2947", "gpsd TCP address, used by --gps-source=gpsd|auto")
	rootCmd.Flags().StringVar(&gpsDeviceFlag, "gps-device", "", "GPS serial device path, used by --gps-source=serial|auto")
	rootCmd.Flags().IntVar(&gpsBaudFlag, "gps-baud", 9600, "GPS serial baud rate")
	rootCmd.Flags().IntVar(&modeFlag, "mode", 0, "1=single-radio scan+connect, 2=dual-radio scan+connect on a dedicated connect adapter (prompted if omitted)")
	rootCmd.Flags().IntVar(&scanAdapterFlag, "scan-adapter", -1, "Index into the enumerated adapter list")
	rootCmd.Flags().IntVar(&adapterIndexFlag, "adapter-index", -1, "Alias for --scan-adapter in single-radio mode")
	rootCmd.Flags().IntVar(&connectAdapterFlag, "connect-adapter", -1, "Index into the enumerated adapter list; must differ from scan-adapter")
	rootCmd.Flags().IntVar(&updateModeFlag, "update-mode", 0, "1=leave existing devices alone, 2=update existing devices on re-sight")
	rootCmd.Flags().StringVar(&helperModeFlag, "helper-mode", "n", "Reserved; currently a no-op ('y'/'n')")
	rootCmd.Flags().IntVar(&maxConnectFlag, "max-connect", 0, "Maximum simultaneous GATT connections (prompted if omitted)")
	rootCmd.Flags().StringVar(&tagFlag, "tag", "", "Tag applied to devices first seen this session")
	rootCmd.Flags().StringVar(&dataDirFlag, "data-dir", "./data", "Data directory root (expects default/ and custom/ subfolders)")
	rootCmd.Flags().StringVar(&customDataFlag, "custom-data-dir", "", "Optional custom data directory path (overrides <data-dir>/custom)")
	rootCmd.Flags().StringVar(&dbPathFlag, "db", "bluetooth_devices.db", "SQLite database path")
	rootCmd.Flags().StringVar(&agingMapFlag, "aging-map", "device_last_count_update.txt", "Path to the persisted detection-count aging map")
	rootCmd.Flags().BoolVar(&restartBlueZFlag, "restart-bluetooth", true, "Preflight: restart bluetooth service if adapters are missing and the service is not active (requires root + systemctl)")
	rootCmd.Flags().StringVar(&bluezCacheFlag, "bluez-cache", "auto", "Preflight: BlueZ device cache cleanup mode: auto|off|force")
	rootCmd.Flags().IntVar(&statsIntervalFlag, "stats-interval", 5, "Console status interval in seconds")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "[ERROR] %v\n", err)
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	printLogo()

	logger, logFile, err := logging.Init("app.log")
	if err != nil {
		util.Linef("[WARN]", util.ColorYellow, "could not open app.log: %v", err)
		logger = logging.Discard()
	} else {
		defer logFile.Close()
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	useGPS, err := resolveYesNo(useGPSFlag, "Use GPS? (y/n): ")
	if err != nil {
		return fmt.Errorf("use-gps: %w", err)
	}

	interfaces, err := bluetooth.GetBluetoothInterfaces()
	if err != nil {
		return fmt.Errorf("failed to get Bluetooth interfaces: %w", err)
	}
	if len(interfaces) == 0 {
		return errors.New("no Bluetooth adapters found")
	}

	mode := modeFlag
	if mode != 1 && mode != 2 {
		mode, err = util.PromptInt("Mode: 1=single-radio scan+connect, 2=dual-radio scan+connect: ", 1)
		if err != nil {
			mode = 1
		}
	}
	if mode != 1 && mode != 2 {
		return fmt.Errorf("invalid --mode %d: must be 1 or 2", mode)
	}

	fmt.Println("Available Bluetooth interfaces:")
	for i, inf := range interfaces {
		fmt.Printf("%d: %s (%s)\n", i, inf.ID, inf.BusInfo)
	}

	scanIdx := scanAdapterFlag
	if scanIdx < 0 {
		scanIdx = adapterIndexFlag
	}
	if scanIdx < 0 {
		scanIdx, err = util.PromptInt("Select the scan adapter index: ", 0)
		if err != nil {
			scanIdx = 0
		}
	}
	if scanIdx < 0 || scanIdx >= len(interfaces) {
		return fmt.Errorf("scan-adapter index out of range: %d", scanIdx)
	}
	scanAdapter := interfaces[scanIdx].ID

	var connectAdapter string
	if mode == 2 {
		connectIdx := connectAdapterFlag
		if connectIdx < 0 {
			connectIdx, err = util.PromptInt("Select the connect adapter index: ", 1)
			if err != nil {
				connectIdx = -1
			}
		}
		if connectIdx < 0 || connectIdx >= len(interfaces) {
			return fmt.Errorf("connect-adapter index out of range: %d", connectIdx)
		}
		if connectIdx == scanIdx {
			return fmt.Errorf("scan-adapter and connect-adapter must differ (both index %d)", scanIdx)
		}
		connectAdapter = interfaces[connectIdx].ID
	}

	updateMode := updateModeFlag
	if updateMode != 1 && updateMode != 2 {
		updateMode, err = util.PromptInt("Update mode: 1=skip existing, 2=update existing: ", 1)
		if err != nil {
			updateMode = 1
		}
	}

	helperMode := strings.EqualFold(strings.TrimSpace(helperModeFlag), "y")

	maxConnect := maxConnectFlag
	if maxConnect < 1 {
		maxConnect, err = util.PromptInt("Set the limit on the number of simultaneous connections: ", 5)
		if err != nil || maxConnect < 1 {
			maxConnect = 5
		}
	}

	tagInput := tagFlag
	if strings.TrimSpace(tagInput) == "" {
		tagInput, _ = util.PromptString("Enter a tag to use for new devices (leave blank if none): ")
	}
	var tagPtr *string
	if t := strings.TrimSpace(tagInput); t != "" {
		tagPtr = &t
	}

	cacheMode := bluetooth.BlueZCacheAuto
	switch strings.ToLower(strings.TrimSpace(bluezCacheFlag)) {
	case "off":
		cacheMode = bluetooth.BlueZCacheOff
	case "force":
		cacheMode = bluetooth.BlueZCacheForce
	}

	cfg := supervisor.Config{
		DBPath:       dbPathFlag,
		AgingMapPath: agingMapFlag,

		UseLocation:    useGPS,
		LocationAddr:   locationAddrFlag,
		LocationSource: locationSrcFlag,
		GPSDAddr:       gpsdAddrFlag,
		SerialDevice:   gpsDeviceFlag,
		SerialBaud:     gpsBaudFlag,

		ScanAdapter:    scanAdapter,
		ConnectAdapter: connectAdapter,
		UpdateExisting: updateMode == 2,
		HelperMode:     helperMode,
		MaxConnect:     maxConnect,
		Tag:            tagPtr,

		DataDir:       dataDirFlag,
		CustomDataDir: customDataFlag,

		RestartBluetoothService: restartBlueZFlag,
		BlueZCacheMode:          cacheMode,

		StatsInterval: time.Duration(statsIntervalFlag) * time.Second,
		Logger:        logger,
	}

	if err := supervisor.Run(ctx, cfg); err != nil {
		if ctx.Err() != nil {
			util.Line("[EXIT]", util.ColorGray, "stopping")
			return nil
		}
		return err
	}
	return nil
}

func resolveYesNo(flagVal, prompt string) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(flagVal))
	if v == "y" || v == "yes" {
		return true, nil
	}
	if v == "n" || v == "no" {
		return false, nil
	}
	s, err := util.PromptString(prompt)
	if err != nil {
		return false, nil
	}
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "y" || s == "yes", nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		select {
		case <-ch:
		default:
		}
	}()
	return ctx, cancel
}

func printLogo() {
	logo := `
    _/_/_/    _/  _/_/_/    _/        _/_/_/_/
   _/    _/      _/    _/  _/        _/
  _/_/_/    _/  _/_/_/    _/        _/_/_/
 _/        _/  _/    _/  _/        _/
_/        _/  _/_/_/    _/_/_/_/  _/_/_/_/
`
	fmt.Println(logo)
	fmt.Println("pible - BLE reconnaissance agent")
}
