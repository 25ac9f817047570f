package monitor

import (
	"strconv"
	"strings"
	"time"

	"github.com/matthewshim/automation/report"
)

type cpuTimeStat struct {
	user    int
	nice    int
	system  int
	idle    int
	iowait  int
	irq     int
	softIrq int
	steal   int
}

func (ts *cpuTimeStat) totalCPUTime() int {
	return ts.user + ts.nice + ts.system + ts.idle + ts.iowait + ts.irq + ts.softIrq + ts.steal
}

func (ts *cpuTimeStat) busyCPUTime() int {
	return ts.totalCPUTime() - ts.idle - ts.iowait
}

func parseCPUTimeStat(buf []byte) *cpuTimeStat {
	for _, line := range strings.Split(string(buf), "\n") {
		// We only want the aggregate CPU line, ignore per-core metrics and other metrics
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 9 {
			return nil
		}
		user, _ := strconv.Atoi(parts[1])
		nice, _ := strconv.Atoi(parts[2])
		system, _ := strconv.Atoi(parts[3])
		idle, _ := strconv.Atoi(parts[4])
		iowait, _ := strconv.Atoi(parts[5])
		irq, _ := strconv.Atoi(parts[6])
		softIrq, _ := strconv.Atoi(parts[7])
		steal, _ := strconv.Atoi(parts[8])
		return &cpuTimeStat{
			user:    user,
			nice:    nice,
			system:  system,
			idle:    idle,
			iowait:  iowait,
			irq:     irq,
			softIrq: softIrq,
			steal:   steal,
		}
	}
	return nil
}

func (mon *hostMonitor) appendCPUMetrics(now time.Time, curr *cpuTimeStat, prev *cpuTimeStat) {
	delta := float64(curr.totalCPUTime() - prev.totalCPUTime())
	if delta <= 0 {
		return
	}
	mon.hm.CpuBusyPct = append(mon.hm.CpuBusyPct, report.Measurement[float64]{
		Time:  now.Unix(),
		Value: float64(100*(curr.busyCPUTime()-prev.busyCPUTime())) / delta,
	})
	mon.hm.CpuIowaitPct = append(mon.hm.CpuIowaitPct, report.Measurement[float64]{
		Time:  now.Unix(),
		Value: float64(100*(curr.iowait-prev.iowait)) / delta,
	})
}
