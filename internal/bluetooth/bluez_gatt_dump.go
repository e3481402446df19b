package bluetooth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"pible/internal/db"
	"pible/internal/ids"
	"pible/internal/util"
)

// Limits tuned for "lots of devices" environments: a pathological GATT
// server with hundreds of readable characteristics must not stall the
// Connector's worker pool.
const (
	maxCharacteristicReads = 40
	gattReadTimeout        = 900 * time.Millisecond
)

// gattNode is a child object (service, characteristic, or descriptor) found
// under some parent path in the BlueZ object tree.
type gattNode struct {
	path   dbus.ObjectPath
	uuid   string
	handle *uint16
	flags  []string
}

// DumpAndStoreGATT walks the BlueZ GATT object tree rooted at devPath,
// rendering a human-readable text dump of every service/characteristic/
// descriptor it finds and persisting each one through store. It returns the
// dump text and the best-effort device name.
func DumpAndStoreGATT(
	ctx context.Context,
	conn *dbus.Conn,
	adapterID string,
	devPath dbus.ObjectPath,
	mac string,
	store *db.Store,
	resolver *ids.Resolver,
) (string, string, error) {
	managed, err := getManagedObjects(ctx, conn)
	if err != nil {
		return "", "", err
	}

	name := deviceAlias(managed, devPath)

	services := childNodes(managed, string(devPath)+"/", "org.bluez.GattService1")
	if len(services) == 0 {
		return "", name, errors.New("no GATT services")
	}

	w := &gattDumpWriter{ctx: ctx, conn: conn, store: store, resolver: resolver, mac: mac, now: util.NowTimestamp()}
	for _, svc := range services {
		w.writeService(managed, svc)
	}

	return strings.Join(w.lines, "\n"), name, nil
}

func deviceAlias(managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant, devPath dbus.ObjectPath) string {
	dev1, ok := managed[devPath]["org.bluez.Device1"]
	if !ok {
		return "Unknown"
	}
	for _, key := range []string{"Alias", "Name"} {
		if s, ok := getString(dev1, key); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return "Unknown"
}

// childNodes collects every object directly or indirectly under pathPrefix
// that exposes ifaceName, sorted by object path for deterministic output.
func childNodes(managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant, pathPrefix, ifaceName string) []gattNode {
	var out []gattNode
	for path, ifaces := range managed {
		if !strings.HasPrefix(string(path), pathPrefix) {
			continue
		}
		props, ok := ifaces[ifaceName]
		if !ok {
			continue
		}
		uuid, _ := getString(props, "UUID")
		if uuid = strings.TrimSpace(uuid); uuid == "" {
			continue
		}
		out = append(out, gattNode{
			path:   path,
			uuid:   uuid,
			handle: getUint16Ptr(props, "Handle"),
			flags:  getStringSlice(props, "Flags"),
		})
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i].path) < string(out[j].path) })
	return out
}

// gattDumpWriter accumulates the rendered dump text and persists each node
// it visits, threading the read budget across the whole device.
type gattDumpWriter struct {
	ctx      context.Context
	conn     *dbus.Conn
	store    *db.Store
	resolver *ids.Resolver
	mac      string
	now      string

	lines     []string
	readsUsed int
}

func (w *gattDumpWriter) writeService(managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant, svc gattNode) {
	w.lines = append(w.lines, fmt.Sprintf("Service: %s", w.annotate(svc.uuid, true)))

	for _, ch := range childNodes(managed, string(svc.path)+"/", "org.bluez.GattCharacteristic1") {
		w.writeCharacteristic(managed, svc, ch)
	}
}

func (w *gattDumpWriter) writeCharacteristic(managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant, svc, ch gattNode) {
	w.lines = append(w.lines, fmt.Sprintf("  ├─ Characteristic: %s", w.annotate(ch.uuid, false)))
	w.lines = append(w.lines, fmt.Sprintf("  │  Properties: %s", flagsLabel(ch.flags)))

	valHex, valASCII, readErr := w.readIfBudgetAllows(ch.path, "org.bluez.GattCharacteristic1", ch.flags, "  │  ")

	if w.store != nil {
		_ = w.store.UpsertGattCharacteristic(w.ctx, db.GattCharacteristicParams{
			MAC:           w.mac,
			ServiceUUID:   svc.uuid,
			ServiceHandle: svc.handle,
			CharUUID:      ch.uuid,
			CharHandle:    ch.handle,
			FlagsJSON:     sliceToJSON(ch.flags),
			ValueHex:      valHex,
			ValueASCII:    valASCII,
			ReadError:     readErr,
			LastReadAt:    w.now,
		})
	}

	for _, d := range childNodes(managed, string(ch.path)+"/", "org.bluez.GattDescriptor1") {
		w.writeDescriptor(svc, ch, d)
	}
	w.lines = append(w.lines, "  └─────────────────────────────────")
}

func (w *gattDumpWriter) writeDescriptor(svc, ch, d gattNode) {
	w.lines = append(w.lines, fmt.Sprintf("  │  Descriptor: %s", d.uuid))
	w.lines = append(w.lines, fmt.Sprintf("  │    Properties: %s", flagsLabel(d.flags)))

	valHex, valASCII, readErr := w.readIfBudgetAllows(d.path, "org.bluez.GattDescriptor1", d.flags, "  │    ")

	if w.store != nil {
		_ = w.store.UpsertGattDescriptor(w.ctx, db.GattDescriptorParams{
			MAC:         w.mac,
			ServiceUUID: svc.uuid,
			CharUUID:    ch.uuid,
			DescUUID:    d.uuid,
			DescHandle:  d.handle,
			FlagsJSON:   sliceToJSON(d.flags),
			ValueHex:    valHex,
			ValueASCII:  valASCII,
			ReadError:   readErr,
			LastReadAt:  w.now,
		})
	}
}

// readIfBudgetAllows reads path's Value via ReadValue when it carries the
// "read" flag and the device-wide read budget isn't exhausted, appending a
// rendered line (value, ascii rendering, or error) for each outcome.
func (w *gattDumpWriter) readIfBudgetAllows(path dbus.ObjectPath, iface string, flags []string, indent string) (valHex, valASCII, readErr *string) {
	if !hasFlag(flags, "read") {
		return nil, nil, nil
	}
	if w.readsUsed >= maxCharacteristicReads {
		w.lines = append(w.lines, indent+"Value: (skipped; read limit reached)")
		return nil, nil, nil
	}
	w.readsUsed++

	v, err := readGATTValue(w.ctx, w.conn, path, iface, gattReadTimeout)
	if err != nil {
		e := err.Error()
		w.lines = append(w.lines, fmt.Sprintf("%sRead error: %v", indent, err))
		return nil, nil, &e
	}

	hexStr := util.BytesToHex(v)
	w.lines = append(w.lines, fmt.Sprintf("%sValue(hex): %s", indent, hexStr))
	if ascii := safeASCII(v); ascii != "" {
		w.lines = append(w.lines, fmt.Sprintf("%sValue(ascii): %s", indent, ascii))
		return &hexStr, &ascii, nil
	}
	return &hexStr, nil, nil
}

func (w *gattDumpWriter) annotate(uuid string, service bool) string {
	if w.resolver == nil {
		return uuid
	}
	if service {
		return w.resolver.AnnotateServiceUUID(uuid)
	}
	return w.resolver.AnnotateCharacteristicUUID(uuid)
}

func flagsLabel(flags []string) string {
	if len(flags) == 0 {
		return "(unknown)"
	}
	return strings.Join(flags, ", ")
}

func getString(props map[string]dbus.Variant, key string) (string, bool) {
	v, ok := props[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}

func getBoolPtr(props map[string]dbus.Variant, key string) *bool {
	v, ok := props[key]
	if !ok {
		return nil
	}
	b, ok := v.Value().(bool)
	if !ok {
		return nil
	}
	return &b
}

func getUint16Ptr(props map[string]dbus.Variant, key string) *uint16 {
	v, ok := props[key]
	if !ok {
		return nil
	}
	switch x := v.Value().(type) {
	case uint16:
		return &x
	case uint32:
		vv := uint16(x)
		return &vv
	case int32:
		if x < 0 {
			return nil
		}
		vv := uint16(x)
		return &vv
	default:
		return nil
	}
}

func getStringSlice(props map[string]dbus.Variant, key string) []string {
	v, ok := props[key]
	if !ok {
		return nil
	}
	raw, ok := v.Value().([]string)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func sliceToJSON(in []string) *string {
	if len(in) == 0 {
		s := "[]"
		return &s
	}
	b, err := json.Marshal(in)
	if err != nil {
		s := "[]"
		return &s
	}
	s := string(b)
	return &s
}

func hasFlag(flags []string, want string) bool {
	want = strings.ToLower(strings.TrimSpace(want))
	for _, f := range flags {
		if strings.ToLower(strings.TrimSpace(f)) == want {
			return true
		}
	}
	return false
}

func readGATTValue(ctx context.Context, conn *dbus.Conn, path dbus.ObjectPath, iface string, timeout time.Duration) ([]byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	call := conn.Object("org.bluez", path).CallWithContext(readCtx, iface+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return nil, call.Err
	}
	var out []byte
	if err := call.Store(&out); err != nil {
		return nil, err
	}
	return out, nil
}
