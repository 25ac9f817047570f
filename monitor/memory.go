package monitor

import (
	"strconv"
	"strings"
	"time"

	"github.com/matthewshim/automation/report"
)

type memInfo struct {
	usedBytes     int
	usedPct       float64
	availBytes    int
	swapUsedBytes int
}

func parseMemInfo(buf []byte) *memInfo {
	total := 0
	free := 0
	buffers := 0
	cached := 0
	available := 0
	swapCached := 0
	swapFree := 0
	swapTotal := 0

	for _, line := range strings.Split(string(buf), "\n") {
		parts := strings.Fields(line)
		if len(parts) != 3 {
			continue
		}
		value, _ := strconv.Atoi(parts[1])
		bytes := value * 1024
		switch key := parts[0][:len(parts[0])-1]; key {
		case "MemTotal":
			total = bytes
		case "MemFree":
			free = bytes
		case "MemAvailable":
			available = bytes
		case "Buffers":
			buffers = bytes
		case "Cached":
			cached = bytes
		case "SReclaimable":
			cached += bytes
		case "SwapCached":
			swapCached = bytes
		case "SwapFree":
			swapFree = bytes
		case "SwapTotal":
			swapTotal = bytes
		}
	}
	if total == 0 {
		return nil
	}

	used := total - free - buffers - cached
	return &memInfo{
		usedBytes:     used,
		usedPct:       100 * (float64(used) / float64(total)),
		availBytes:    available,
		swapUsedBytes: swapTotal - swapFree - swapCached,
	}
}

func (mon *hostMonitor) appendMemoryMetrics(now time.Time, buf []byte) {
	m := parseMemInfo(buf)
	if m == nil {
		return
	}

	mon.hm.MemUsedBytes = append(mon.hm.MemUsedBytes, report.Measurement[int]{
		Time:  now.Unix(),
		Value: m.usedBytes,
	})
	mon.hm.MemUsedPct = append(mon.hm.MemUsedPct, report.Measurement[float64]{
		Time:  now.Unix(),
		Value: m.usedPct,
	})
	mon.hm.MemAvailBytes = append(mon.hm.MemAvailBytes, report.Measurement[int]{
		Time:  now.Unix(),
		Value: m.availBytes,
	})
	mon.hm.SwapUsedBytes = append(mon.hm.SwapUsedBytes, report.Measurement[int]{
		Time:  now.Unix(),
		Value: m.swapUsedBytes,
	})
}
