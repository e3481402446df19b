package bluetooth

import (
	"context"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"pible/internal/util"
)

type BlueZCacheMode string

const (
	BlueZCacheOff   BlueZCacheMode = "off"
	BlueZCacheAuto  BlueZCacheMode = "auto"
	BlueZCacheForce BlueZCacheMode = "force"
)

type PreflightOptions struct {
	RestartBluetoothService bool
	CacheMode               BlueZCacheMode
}

const adapterRecheckDelay = 1500 * time.Millisecond

// PreflightBlueZ runs before any adapter is handed to the Scanner/Connector:
// it confirms every adapter in adapters is visible to BlueZ, optionally
// restarting the bluetooth service if any are missing and the service is not
// active, and then
// best-effort prunes BlueZ's stale device cache per opt.CacheMode so a long
// uptime doesn't accumulate thousands of long-gone peripherals.
func PreflightBlueZ(ctx context.Context, adapters []string, opt PreflightOptions) {
	adapters = trimmedNonEmpty(adapters)
	if len(adapters) == 0 {
		return
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		util.Linef("[PREFLIGHT]", util.ColorYellow, "dbus SystemBus error: %v", err)
		return
	}

	if !ensureAdaptersPresent(ctx, conn, adapters, opt) {
		return
	}
	pruneDeviceCaches(ctx, conn, adapters, opt.CacheMode)
}

// ensureAdaptersPresent checks adapters against BlueZ's object tree, and,
// when opt.RestartBluetoothService is set, the process runs as root and any
// are missing, restarts the bluetooth service if it is not active (an active
// service is left running), then waits and rechecks. Returns false only when
// ctx was cancelled mid-wait.
func ensureAdaptersPresent(ctx context.Context, conn *dbus.Conn, adapters []string, opt PreflightOptions) bool {
	missing := missingAdapters(ctx, conn, adapters)
	if len(missing) == 0 {
		return true
	}
	util.Linef("[PREFLIGHT]", util.ColorYellow, "missing adapters: %s", strings.Join(missing, ","))

	if !opt.RestartBluetoothService || !util.IsRoot() {
		return true
	}
	if !util.ServiceIsActive(ctx, "bluetooth") {
		util.Line("[PREFLIGHT]", util.ColorGray, "bluetooth service inactive -> restarting")
		_ = util.RestartService(ctx, "bluetooth")
	}

	t := time.NewTimer(adapterRecheckDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	}

	if still := missingAdapters(ctx, conn, missing); len(still) > 0 {
		util.Linef("[PREFLIGHT]", util.ColorYellow, "still missing adapters: %s", strings.Join(still, ","))
	}
	return true
}

func missingAdapters(ctx context.Context, conn *dbus.Conn, adapters []string) []string {
	var missing []string
	for _, a := range adapters {
		if !bluezAdapterExists(ctx, conn, a) {
			missing = append(missing, a)
		}
	}
	return missing
}

// pruneDeviceCaches removes cached BlueZ Device1 objects under each adapter,
// skipping any device currently Connected. In BlueZCacheAuto it additionally
// skips Paired/Trusted devices; BlueZCacheForce removes regardless.
func pruneDeviceCaches(ctx context.Context, conn *dbus.Conn, adapters []string, mode BlueZCacheMode) {
	if mode == "" {
		mode = BlueZCacheAuto
	}
	if mode == BlueZCacheOff {
		return
	}

	managed, err := getManagedObjects(ctx, conn)
	if err != nil {
		return
	}

	for _, adapterID := range adapters {
		removed := pruneAdapterCache(ctx, conn, managed, adapterID, mode)
		if removed > 0 {
			util.Linef("[PREFLIGHT]", util.ColorGray, "adapter=%s cache cleared: %d device objects", adapterID, removed)
		}
	}
}

func pruneAdapterCache(ctx context.Context, conn *dbus.Conn, managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant, adapterID string, mode BlueZCacheMode) int {
	adapterPath := dbus.ObjectPath("/org/bluez/" + adapterID)
	adapterObj := conn.Object("org.bluez", adapterPath)
	prefix := string(adapterPath) + "/dev_"

	removed := 0
	for path, ifaces := range managed {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		dev1, ok := ifaces["org.bluez.Device1"]
		if !ok {
			continue
		}
		if connected := getBoolPtr(dev1, "Connected"); connected != nil && *connected {
			continue
		}
		if mode == BlueZCacheAuto && isPairedOrTrusted(dev1) {
			continue
		}

		_ = adapterObj.CallWithContext(ctx, "org.bluez.Adapter1.RemoveDevice", 0, path).Err
		removed++
	}
	return removed
}

func isPairedOrTrusted(dev1 map[string]dbus.Variant) bool {
	paired := getBoolPtr(dev1, "Paired")
	trusted := getBoolPtr(dev1, "Trusted")
	return (paired != nil && *paired) || (trusted != nil && *trusted)
}

func getManagedObjects(ctx context.Context, conn *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	root := conn.Object("org.bluez", dbus.ObjectPath("/"))
	call := root.CallWithContext(ctx, "org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0)
	if call.Err != nil {
		return nil, call.Err
	}
	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := call.Store(&managed); err != nil {
		return nil, err
	}
	return managed, nil
}

func trimmedNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
