package locate

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"pible/internal/state"
	"pible/internal/util"
)

// SerialConfig selects the device and baud rate for a local NMEA GPS
// receiver, an alternate location source to the HTTP ingress in http.go.
type SerialConfig struct {
	Device string
	Baud   int
}

// RunSerial reads NMEA sentences from a local serial GPS receiver and feeds
// valid fixes into rt, retrying with backoff on disconnect and re-probing
// for the device if its path changes (USB hot-plug).
func RunSerial(ctx context.Context, rt *state.Runtime, log *logrus.Logger, cfg SerialConfig) {
	dev := strings.TrimSpace(cfg.Device)
	if dev == "" {
		dev = GuessSerialDevice()
	}
	baud := cfg.Baud
	if baud <= 0 {
		baud = 9600
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if dev == "" {
			util.Line("[GPS]", util.ColorYellow, "no serial device found; retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			dev = GuessSerialDevice()
			continue
		}

		util.Linef("[GPS]", util.ColorGray, "opening serial %s (%d baud)", dev, baud)
		if err := readSerial(ctx, rt, dev, baud); err != nil {
			log.Warnf("gps: serial disconnected: %v", err)
			util.Linef("[GPS]", util.ColorYellow, "serial disconnected: %v", err)
			if guessed := GuessSerialDevice(); guessed != "" && guessed != dev {
				dev = guessed
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func readSerial(ctx context.Context, rt *state.Runtime, dev string, baud int) error {
	port, err := serial.Open(dev, &serial.Mode{BaudRate: baud})
	if err != nil {
		return err
	}
	defer port.Close()

	go func() {
		<-ctx.Done()
		_ = port.Close()
	}()

	sc := bufio.NewScanner(port)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 256*1024)

	for sc.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimRight(strings.TrimSpace(sc.Text()), "\r")
		if line == "" || !(strings.HasPrefix(line, "$") || strings.HasPrefix(line, "!")) {
			continue
		}

		sent, err := nmea.Parse(line)
		if err != nil {
			continue
		}

		switch v := sent.(type) {
		case nmea.RMC:
			if strings.EqualFold(v.Validity, "A") {
				rt.UpdateLocation(v.Latitude, v.Longitude)
			}
		case nmea.GGA:
			if v.FixQuality != "0" && (v.Latitude != 0 || v.Longitude != 0) {
				rt.UpdateLocation(v.Latitude, v.Longitude)
			}
		case nmea.GLL:
			if strings.EqualFold(v.Validity, "A") {
				rt.UpdateLocation(v.Latitude, v.Longitude)
			}
		case nmea.GNS:
			if v.Latitude != 0 || v.Longitude != 0 {
				rt.UpdateLocation(v.Latitude, v.Longitude)
			}
		}
	}

	if err := sc.Err(); err != nil {
		return err
	}
	return errors.New("serial reader stopped")
}

// ListSerialPorts returns the known serial device paths on this host,
// preferring the enumerator's richer metadata and falling back to the bare
// port list.
func ListSerialPorts() ([]string, error) {
	if detailed, err := enumerator.GetDetailedPortsList(); err == nil && len(detailed) > 0 {
		out := make([]string, 0, len(detailed))
		for _, p := range detailed {
			out = append(out, p.Name)
		}
		return out, nil
	}
	return serial.GetPortsList()
}

// GuessSerialDevice returns a likely GPS serial device path, or "" if none
// is found.
func GuessSerialDevice() string {
	if matches, _ := filepath.Glob("/dev/serial/by-id/*"); len(matches) > 0 {
		return matches[0]
	}
	if ports, _ := ListSerialPorts(); len(ports) > 0 {
		return ports[0]
	}
	for _, c := range []string{"/dev/ttyACM0", "/dev/ttyUSB0", "/dev/ttyAMA0"} {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}
