package bluetooth

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	tg "tinygo.org/x/bluetooth"

	"pible/internal/db"
	"pible/internal/ids"
	"pible/internal/util"
)

// connectBackoff is the pause after each attempt (success or failure)
// before the worker takes its next job, per component F step 6.
const connectBackoff = 1 * time.Second

// ConnectorConfig wires a bounded worker pool to drain a Scanner's connect
// queue. The bound is enforced by a counting semaphore (a buffered channel
// sized maxConcurrent) acquired before any radio operation, per component F.
type ConnectorConfig struct {
	AdapterID     string
	MaxConcurrent int
	Store         *db.Store
	Resolver      *ids.Resolver
	SessionID     int64
	Tag           *string
	InFlight      *InFlightSet
	ConnectQueue  <-chan ConnectJob
}

// RunConnector drains cfg.ConnectQueue from a single dispatcher goroutine
// that starts one goroutine per job, at most cfg.MaxConcurrent at once, and
// blocks until ctx is cancelled and all in-flight jobs have drained.
func RunConnector(ctx context.Context, cfg ConnectorConfig) {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	sem := make(chan struct{}, maxConcurrent)

	adapter := tg.NewAdapter(cfg.AdapterID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case job, ok := <-cfg.ConnectQueue:
				if !ok {
					return
				}
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					cfg.InFlight.Remove(job.mac)
					return
				}
				go func(j ConnectJob) {
					defer func() { <-sem }()
					runConnectJob(ctx, adapter, cfg, j)
					time.Sleep(connectBackoff)
				}(job)
			}
		}
	}()

	<-ctx.Done()
	<-done
	// Every running job releases its semaphore slot on exit; holding all
	// slots means none is left running.
	for i := 0; i < maxConcurrent; i++ {
		sem <- struct{}{}
	}
}

// runConnectJob executes steps 2-6 of the Connector contract for a single
// queued peripheral. Failures at any step are logged and the function still
// falls through to the in-flight cleanup in its deferred release.
func runConnectJob(ctx context.Context, adapter *tg.Adapter, cfg ConnectorConfig, job ConnectJob) {
	defer cfg.InFlight.Remove(job.mac)

	jobCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	params := tg.ConnectionParams{ConnectionTimeout: tg.NewDuration(15 * time.Second)}
	dev, err := adapter.Connect(job.addr, params)
	if err != nil {
		log.Printf("connect error %s: %v", job.mac, err)
		return
	}
	defer func() { _ = dev.Disconnect() }()

	services, err := discoverServicesWithTimeout(jobCtx, dev, 8*time.Second)
	if err != nil {
		log.Printf("discover services error %s: %v", job.mac, err)
		return
	}

	dump := renderGATTDump(services, cfg.Resolver)

	if err := cfg.Store.UpsertGATTDump(ctx, job.mac, dump); err != nil {
		log.Printf("db upsert gatt dump error: %v", err)
	}
	now := time.Now().Format("2006-01-02 15:04:05")
	if err := cfg.Store.InsertGATTDumpHistory(ctx, cfg.SessionID, job.mac, dump, now); err != nil {
		log.Printf("db insert gatt dump history error: %v", err)
	}

	deepDumpViaBlueZ(jobCtx, job.adapterID, job.mac, cfg.Store, cfg.Resolver)

	var tagCopy *string
	if cfg.Tag != nil {
		if t := strings.TrimSpace(*cfg.Tag); t != "" {
			tagCopy = &t
		}
	}

	// Advertisement-only fields are intentionally left nil here: the
	// connect path must never clear a field it has no fresh reading for.
	nameCopy := job.name
	adapterCopy := job.adapterID
	if err := cfg.Store.SaveDevice(ctx, db.SaveParams{
		SessionID:      &cfg.SessionID,
		Name:           &nameCopy,
		MAC:            job.mac,
		Timestamp:      &now,
		Adapter:        &adapterCopy,
		ServiceList:    &dump,
		UpdateExisting: true,
		Tag:            tagCopy,
	}); err != nil {
		log.Printf("db save device error %s: %v", job.mac, err)
	}
}

// renderGATTDump produces the deterministic textual service/characteristic
// dump persisted as the device's service field (spec §4.F step 3).
func renderGATTDump(services []tg.DeviceService, resolver *ids.Resolver) string {
	lines := make([]string, 0, 64)
	for _, svc := range services {
		svcUUID := svc.UUID().String()
		if resolver != nil {
			svcUUID = resolver.AnnotateServiceUUID(svcUUID)
		}
		lines = append(lines, fmt.Sprintf("Service: %s", svcUUID))

		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			lines = append(lines, fmt.Sprintf("  ├─ DiscoverCharacteristics error: %v", err))
			lines = append(lines, "  └─────────────────────────────────")
			continue
		}

		for _, ch := range chars {
			chUUID := ch.UUID().String()
			if resolver != nil {
				chUUID = resolver.AnnotateCharacteristicUUID(chUUID)
			}
			lines = append(lines, fmt.Sprintf("  ├─ Characteristic: %s", chUUID))

			buf := make([]byte, 512)
			n, rerr := ch.Read(buf)
			if rerr != nil {
				lines = append(lines, fmt.Sprintf("  │  Read error: %v", rerr))
			} else {
				val := buf[:n]
				lines = append(lines, fmt.Sprintf("  │  Value(hex): %s", util.BytesToHex(val)))
				if s := asciiIfPrintable(val); s != "" {
					lines = append(lines, fmt.Sprintf("  │  Value(ascii): %s", s))
				}
			}

			lines = append(lines, "  └─────────────────────────────────")
		}
	}
	return strings.Join(lines, "\n")
}

func discoverServicesWithTimeout(ctx context.Context, dev tg.Device, timeout time.Duration) ([]tg.DeviceService, error) {
	type res struct {
		s []tg.DeviceService
		e error
	}
	ch := make(chan res, 1)
	go func() {
		s, e := dev.DiscoverServices(nil)
		ch <- res{s: s, e: e}
	}()

	select {
	case r := <-ch:
		return r.s, r.e
	case <-ctx.Done():
		return nil, fmt.Errorf("timeout on DiscoverServices")
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout on DiscoverServices")
	}
}

func asciiIfPrintable(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	for _, c := range b {
		if c == '\n' || c == '\r' || c == '\t' {
			continue
		}
		if c < 0x20 || c > 0x7e {
			return ""
		}
	}
	return string(b)
}

// deepDumpViaBlueZ supplements the tinygo-based dump with the richer
// per-characteristic/descriptor records (handles, flags) only available
// through BlueZ's own D-Bus object tree. Best-effort: any failure here
// leaves the primary dump (already persisted) untouched.
func deepDumpViaBlueZ(ctx context.Context, adapterID, mac string, store *db.Store, resolver *ids.Resolver) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return
	}
	devPath := dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapterID, strings.ReplaceAll(strings.ToUpper(mac), ":", "_")))
	_, _, _ = DumpAndStoreGATT(ctx, conn, adapterID, devPath, mac, store, resolver)
}
