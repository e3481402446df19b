package status

import (
	"context"
	"time"

	"pible/internal/db"
	"pible/internal/state"
	"pible/internal/util"
)

type Provider struct {
	Runtime *state.Runtime
	Store   *db.Store
}

// Run prints periodic structured status lines to the console.
func Run(ctx context.Context, interval time.Duration, p Provider) {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			printOnce(ctx, p)
		}
	}
}

func printOnce(ctx context.Context, p Provider) {
	if p.Runtime != nil && p.Runtime.UseLocation() {
		loc := p.Runtime.LocationString()
		if loc == "" {
			loc = "offline"
		}
		util.Linef("[GPS DATA]", util.ColorCyan, "%s", loc)
	}

	if p.Store != nil {
		total, named, withServices, err := p.Store.Statistics(ctx)
		if err == nil {
			util.Linef("[DB STATS]", util.ColorGray, "Total Devices: %d, Named: %d, With Services: %d", total, named, withServices)
		}
	}

	if pct := util.BatteryPercent(); pct != "" {
		util.Linef("[BATTERY]", util.ColorGray, "%s", pct)
	}
}
