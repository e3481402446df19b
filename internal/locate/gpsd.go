package locate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pible/internal/state"
	"pible/internal/util"
)

// RunGPSD connects to a gpsd daemon over TCP, enables JSON watch mode, and
// feeds TPV fixes with mode>=2 into rt. It retries with backoff on
// disconnect, matching RunSerial's shape so the Supervisor can run either
// (or both) as alternate feeds into the same Runtime.
func RunGPSD(ctx context.Context, rt *state.Runtime, log *logrus.Logger, addr string) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:2947"
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		util.Linef("[GPS]", util.ColorGray, "connecting to gpsd %s", addr)
		if err := readGPSD(ctx, rt, addr); err != nil {
			log.Warnf("gps: gpsd disconnected: %v", err)
			util.Linef("[GPS]", util.ColorYellow, "gpsd disconnected: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

// CanConnectGPSD is a quick reachability probe used by the Supervisor to
// decide between gpsd and serial when the operator leaves the source
// unspecified.
func CanConnectGPSD(addr string, timeout time.Duration) bool {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

type gpsdTPV struct {
	Class string       `json:"class"`
	Mode  *json.Number `json:"mode"`
	Lat   *float64     `json:"lat"`
	Lon   *float64     `json:"lon"`
}

func readGPSD(ctx context.Context, rt *state.Runtime, addr string) error {
	conn, err := (&net.Dialer{Timeout: 2 * time.Second}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	if _, err := conn.Write([]byte(`?WATCH={"enable":true,"json":true}` + "\n")); err != nil {
		return err
	}

	sc := bufio.NewScanner(conn)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 256*1024)

	for sc.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var tpv gpsdTPV
		if err := json.Unmarshal([]byte(line), &tpv); err != nil || tpv.Class != "TPV" || tpv.Mode == nil {
			continue
		}
		modeInt, err := tpv.Mode.Int64()
		if err != nil || modeInt < 2 || tpv.Lat == nil || tpv.Lon == nil {
			continue
		}
		rt.UpdateLocation(*tpv.Lat, *tpv.Lon)
	}

	if err := sc.Err(); err != nil {
		return err
	}
	return errors.New("gpsd connection closed")
}
