// Package supervisor owns process startup/shutdown ordering: open the
// store, bring up location ingress (if enabled) and wait for its first fix,
// enumerate radios, start the Scanner(s) and Connector, and flush state on
// the way out.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pible/internal/bluetooth"
	"pible/internal/db"
	"pible/internal/ids"
	"pible/internal/locate"
	"pible/internal/state"
	"pible/internal/status"
	"pible/internal/util"
)

// Config is the fully-resolved set of inputs gathered from CLI flags.
type Config struct {
	DBPath       string
	AgingMapPath string

	UseLocation  bool
	LocationAddr string

	// LocationSource selects how fixes reach Runtime: "http" (default,
	// spec §4.C's POST/GET contract), "gpsd" (TCP JSON reader), "serial"
	// (NMEA over a local GPS receiver), or "auto" (gpsd if reachable,
	// else serial). Ignored when UseLocation is false.
	LocationSource string
	GPSDAddr       string
	SerialDevice   string
	SerialBaud     int

	ScanAdapter    string
	ConnectAdapter string // empty => single-radio mode: ScanAdapter also connects
	UpdateExisting bool
	HelperMode     bool
	MaxConnect     int
	Tag            *string

	DataDir       string
	CustomDataDir string

	RestartBluetoothService bool
	BlueZCacheMode          bluetooth.BlueZCacheMode

	StatsInterval time.Duration
	Logger        *logrus.Logger
}

// Run executes the full startup sequence described by component G and
// blocks until ctx is cancelled, at which point it flushes persistent state
// and returns nil. A non-nil error means a startup precondition failed and
// the caller should exit non-zero without retrying, or that ctx was
// cancelled while waiting for the first location fix (then ctx.Err()).
func Run(ctx context.Context, cfg Config) error {
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer store.Close()

	resolver, err := ids.Load(ids.LoadConfig{DataDir: cfg.DataDir, CustomDir: cfg.CustomDataDir})
	if err != nil {
		return fmt.Errorf("reference data: %w", err)
	}

	rt := state.New(cfg.UseLocation, cfg.MaxConnect)
	if cfg.AgingMapPath != "" {
		if err := rt.Aging().Load(cfg.AgingMapPath); err != nil {
			util.Linef("[WARN]", util.ColorYellow, "aging map load: %v", err)
		}
	}

	if cfg.UseLocation {
		switch strings.ToLower(strings.TrimSpace(cfg.LocationSource)) {
		case "gpsd":
			go locate.RunGPSD(ctx, rt, cfg.Logger, cfg.GPSDAddr)
		case "serial":
			go locate.RunSerial(ctx, rt, cfg.Logger, locate.SerialConfig{Device: cfg.SerialDevice, Baud: cfg.SerialBaud})
		case "auto":
			if locate.CanConnectGPSD(cfg.GPSDAddr, 800*time.Millisecond) {
				go locate.RunGPSD(ctx, rt, cfg.Logger, cfg.GPSDAddr)
			} else {
				go locate.RunSerial(ctx, rt, cfg.Logger, locate.SerialConfig{Device: cfg.SerialDevice, Baud: cfg.SerialBaud})
			}
		default:
			srv := locate.NewServer(rt, cfg.LocationAddr, cfg.Logger)
			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("location ingress: %w", err)
			}
		}
		util.Line("[WAIT]", util.ColorGray, "waiting for first GPS fix...")
		if err := rt.WaitForFirstFix(ctx); err != nil {
			return ctx.Err()
		}
		util.Line("[GPS]", util.ColorGreen, "first fix received")
	}

	interfaces, err := bluetooth.GetBluetoothInterfaces()
	if err != nil {
		return fmt.Errorf("radio enumeration: %w", err)
	}
	if len(interfaces) == 0 {
		return errors.New("no Bluetooth radios found")
	}

	scanAdapter := strings.TrimSpace(cfg.ScanAdapter)
	connectAdapter := strings.TrimSpace(cfg.ConnectAdapter)
	if scanAdapter == "" {
		scanAdapter = interfaces[0].ID
	}
	if connectAdapter != "" && connectAdapter == scanAdapter {
		return fmt.Errorf("scan adapter and connect adapter must differ in dual-radio mode (both %q)", scanAdapter)
	}

	adaptersUsed := scanAdapter
	if connectAdapter != "" {
		adaptersUsed = scanAdapter + "," + connectAdapter
	}

	preflightAdapters := []string{scanAdapter}
	if connectAdapter != "" {
		preflightAdapters = append(preflightAdapters, connectAdapter)
	}
	bluetooth.PreflightBlueZ(ctx, preflightAdapters, bluetooth.PreflightOptions{
		RestartBluetoothService: cfg.RestartBluetoothService,
		CacheMode:               cfg.BlueZCacheMode,
	})

	var gpsStart *string
	if s := rt.LocationString(); s != "" {
		gpsStart = &s
	}
	sessionID, err := store.CreateSession(ctx, adaptersUsed, cfg.Tag, gpsStart)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	util.Linef("[SESSION]", util.ColorGray, "id=%d adapters=%s", sessionID, adaptersUsed)

	inFlight := bluetooth.NewInFlightSet()
	connectQueue := bluetooth.NewConnectQueue()

	// The adapter that actually performs GATT connects: in single-radio
	// mode it is the scan adapter itself; in dual-radio mode it is the
	// dedicated connect adapter.
	connectorAdapter := scanAdapter
	if connectAdapter != "" {
		connectorAdapter = connectAdapter
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		bluetooth.RunConnector(ctx, bluetooth.ConnectorConfig{
			AdapterID:     connectorAdapter,
			MaxConcurrent: rt.MaxConcurrentConnects(),
			Store:         store,
			Resolver:      resolver,
			SessionID:     sessionID,
			Tag:           cfg.Tag,
			InFlight:      inFlight,
			ConnectQueue:  connectQueue,
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		bluetooth.RunManagedScanner(ctx, bluetooth.ScanConfig{
			AdapterID:        scanAdapter,
			UpdateExisting:   cfg.UpdateExisting,
			HelperMode:       cfg.HelperMode,
			IsConnectAdapter: connectAdapter == "",
			Store:            store,
			Runtime:          rt,
			Resolver:         resolver,
			SessionID:        sessionID,
			Tag:              cfg.Tag,
			InFlight:         inFlight,
			ConnectQueue:     connectQueue,
		})
	}()

	if connectAdapter != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bluetooth.RunManagedScanner(ctx, bluetooth.ScanConfig{
				AdapterID:        connectAdapter,
				UpdateExisting:   cfg.UpdateExisting,
				HelperMode:       cfg.HelperMode,
				IsConnectAdapter: true,
				Store:            store,
				Runtime:          rt,
				Resolver:         resolver,
				SessionID:        sessionID,
				Tag:              cfg.Tag,
				InFlight:         inFlight,
				ConnectQueue:     connectQueue,
			})
		}()
	}

	go status.Run(ctx, cfg.StatsInterval, status.Provider{Runtime: rt, Store: store})

	<-ctx.Done()
	util.Line("[SHUTDOWN]", util.ColorGray, "stopping, flushing state")

	shutdownDone := make(chan struct{})
	go func() { wg.Wait(); close(shutdownDone) }()
	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
	}

	if cfg.AgingMapPath != "" {
		if err := rt.Aging().Flush(cfg.AgingMapPath); err != nil {
			util.Linef("[WARN]", util.ColorYellow, "aging map flush: %v", err)
		}
	}

	return nil
}
