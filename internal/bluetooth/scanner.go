package bluetooth

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	tg "tinygo.org/x/bluetooth"

	"pible/internal/db"
	"pible/internal/ids"
	"pible/internal/state"
	"pible/internal/util"
)

// manufacturerEntry and serviceDataEntry mirror the per-advertisement
// structures the enumerator renders into the advertisement JSON blob.
type manufacturerEntry struct {
	CompanyID uint16 `json:"company_id"`
	DataHex   string `json:"data_hex"`
}

type serviceDataEntry struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name,omitempty"`
	DataHex string `json:"data_hex"`
}

// ConnectJob is a peripheral handle queued by the Scanner for the
// Connector once it clears the enrichment gate.
type ConnectJob struct {
	mac       string
	addr      tg.Address
	name      string
	adapterID string
}

// ScanConfig is the input to RunScanner, matching the contract in
// component E: adapter_id, update_existing, helper_mode, is_connect_adapter.
type ScanConfig struct {
	AdapterID        string
	UpdateExisting   bool
	HelperMode       bool // reserved no-op; kept for CLI/flag parity
	IsConnectAdapter bool

	Store     *db.Store
	Runtime   *state.Runtime
	Resolver  *ids.Resolver
	SessionID int64
	Tag       *string

	InFlight     *InFlightSet
	ConnectQueue chan<- ConnectJob
}

const (
	enrichmentMinSessionCount = 3
	enrichmentMinRSSI         = -70
	statsReportInterval       = 5 * time.Second
)

// RunScanner drives adapter_id in continuous passive-scan mode, turning
// every advertisement into a Store observation and, when the enrichment
// gate clears, a connect candidate pushed onto cfg.ConnectQueue. It never
// returns a GATT session of its own: that is the Connector's job.
func RunScanner(ctx context.Context, cfg ScanConfig) error {
	adapter := tg.NewAdapter(cfg.AdapterID)
	if err := adapter.Enable(); err != nil {
		util.Linef("[ERROR]", util.ColorRed, "adapter %s failed to start: %v", cfg.AdapterID, err)
		return err
	}

	cfg.Runtime.SetScanningStarted(true)
	defer cfg.Runtime.SetScanningStarted(false)

	sessionCounts := map[string]int{}
	lastStats := time.Time{}
	lastLocStatus := cfg.Runtime.LocationStatus()

	handle := func(res tg.ScanResult) {
		mac := strings.ToUpper(res.Address.String())

		rssi := -100
		if res.RSSI != 0 {
			rssi = int(res.RSSI)
		}

		localName := res.LocalName()
		deviceName := util.SafeName(localName)

		serviceUUIDs := res.ServiceUUIDs()
		mfg := res.ManufacturerData()
		svcData := res.ServiceData()
		advBytes := res.Bytes()

		serviceUUIDStrs := make([]string, 0, len(serviceUUIDs))
		for _, u := range serviceUUIDs {
			uuidStr := u.String()
			if cfg.Resolver != nil {
				uuidStr = cfg.Resolver.AnnotateServiceUUID(uuidStr)
			}
			serviceUUIDStrs = append(serviceUUIDStrs, uuidStr)
		}

		mfgEntries := make([]manufacturerEntry, 0, len(mfg))
		for _, m := range mfg {
			mfgEntries = append(mfgEntries, manufacturerEntry{
				CompanyID: m.CompanyID,
				DataHex:   util.BytesToHex(append([]byte(nil), m.Data...)),
			})
		}

		svcEntries := make([]serviceDataEntry, 0, len(svcData))
		for _, s := range svcData {
			uuidStr := s.UUID.String()
			name := ""
			if cfg.Resolver != nil {
				name = cfg.Resolver.ServiceName(uuidStr)
			}
			svcEntries = append(svcEntries, serviceDataEntry{
				UUID:    uuidStr,
				Name:    name,
				DataHex: util.BytesToHex(append([]byte(nil), s.Data...)),
			})
		}

		mfgJSON := jsonOrEmptyArray(mfgEntries)
		svcUUIDJSON := jsonOrEmptyArray(serviceUUIDStrs)
		svcDataJSON := jsonOrEmptyArray(svcEntries)

		var vendor *string
		if cfg.Resolver != nil {
			if v := strings.TrimSpace(cfg.Resolver.VendorForMAC(mac)); v != "" {
				vendor = &v
			}
		}

		_, advJSON, txPowerStr, platformDataStr := buildAdvertisementJSON(localName, serviceUUIDStrs, mfgEntries, svcEntries, advBytes)
		if txPowerStr == nil {
			unknown := "Unknown"
			txPowerStr = &unknown
		}

		var gpsStr *string
		if s := cfg.Runtime.LocationString(); s != "" {
			gpsStr = &s
		}

		macType, macSubType := ClassifyAddress(res.Address)

		sessionCounts[mac]++

		exists, err := cfg.Store.Exists(ctx, mac)
		if err != nil {
			log.Printf("db exists error: %v", err)
		}

		updateExisting := exists && cfg.UpdateExisting
		ts := util.NowTimestamp()
		rssiCopy := rssi
		nameCopy := deviceName
		adapterCopy := cfg.AdapterID

		var tagCopy *string
		if cfg.Tag != nil {
			if t := strings.TrimSpace(*cfg.Tag); t != "" {
				tagCopy = &t
			}
		}

		macTypeCopy := macType
		var macSubTypePtr *string
		if macSubType != "" {
			s := macSubType
			macSubTypePtr = &s
		}

		saveErr := cfg.Store.SaveDevice(ctx, db.SaveParams{
			SessionID:         &cfg.SessionID,
			Name:              &nameCopy,
			MAC:               mac,
			MACType:           &macTypeCopy,
			MACSubType:        macSubTypePtr,
			RSSI:              &rssiCopy,
			Timestamp:         &ts,
			Adapter:           &adapterCopy,
			ManufacturerData:  mfgJSON,
			ManufacturerName:  vendor,
			ServiceUUIDs:      svcUUIDJSON,
			ServiceData:       svcDataJSON,
			TxPower:           txPowerStr,
			PlatformData:      platformDataStr,
			AdvertisementJSON: advJSON,
			GPS:               gpsStr,
			UpdateExisting:    updateExisting,
			Tag:               tagCopy,
		})
		if saveErr != nil {
			log.Printf("db save error: %v", saveErr)
		}

		switch {
		case !exists:
			util.Linef("[NEW]", util.ColorGreen, "%s (%s) RSSI: %d", nameCopy, cfg.AdapterID, rssi)
		case updateExisting:
			util.Linef("[UPDATED]", util.ColorYellow, "%s (%s) RSSI: %d", nameCopy, cfg.AdapterID, rssi)
		default:
			util.Linef("[exists]", util.ColorGray, "%s (%s) RSSI: %d", nameCopy, cfg.AdapterID, rssi)
		}

		if isEnrichmentCandidate(cfg.IsConnectAdapter, sessionCounts[mac], rssi) {
			svc, svcErr := cfg.Store.ServiceOf(ctx, mac)
			if svcErr != nil {
				log.Printf("db service_of error: %v", svcErr)
			}
			if strings.TrimSpace(svc) == "" && cfg.InFlight.TryAdd(mac) {
				job := ConnectJob{mac: mac, addr: res.Address, name: deviceName, adapterID: cfg.AdapterID}
				select {
				case cfg.ConnectQueue <- job:
				case <-ctx.Done():
					cfg.InFlight.Remove(mac)
				}
			}
		}

		if time.Since(lastStats) >= statsReportInterval {
			lastStats = time.Now()
			total, named, withService, statErr := cfg.Store.Statistics(ctx)
			if statErr == nil {
				util.Linef("[STATS]", util.ColorCyan, "total=%d named=%d with_service=%d", total, named, withService)
			}
		}

		if status := cfg.Runtime.LocationStatus(); status != lastLocStatus {
			lastLocStatus = status
			util.Linef("[LOCATION]", util.ColorBlue, "status=%s", status)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- adapter.Scan(func(_ *tg.Adapter, res tg.ScanResult) {
			handle(res)
		})
	}()

	select {
	case <-ctx.Done():
		_ = adapter.StopScan()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// isEnrichmentCandidate implements the first three conjuncts of the
// enrichment gate (component E step 6); the fourth (Store.ServiceOf empty)
// and fifth (InFlight.TryAdd succeeds) are checked by the caller since they
// require I/O this pure predicate intentionally stays free of.
func isEnrichmentCandidate(isConnectAdapter bool, sessionCount, rssi int) bool {
	return isConnectAdapter &&
		sessionCount >= enrichmentMinSessionCount &&
		rssi >= enrichmentMinRSSI
}

func jsonOrEmptyArray(v any) *string {
	b, err := json.Marshal(v)
	if err != nil {
		s := "[]"
		return &s
	}
	s := string(b)
	return &s
}
