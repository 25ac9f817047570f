package monitor

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matthewshim/automation/report"
	"github.com/matthewshim/automation/target"
	"golang.org/x/crypto/ssh"
)

// HostMonitor samples load on a remote host while a test run is in flight.
type HostMonitor interface {
	StartMonitoring() error
	StopMonitoring()
	WaitUntilStopped()
	Measurements() *report.HostMeasurements
}

type hostMonitor struct {
	target target.Target
	stop   *atomic.Bool
	wg     *sync.WaitGroup
	hm     *report.HostMeasurements
}

func NewHostMonitor(target target.Target) HostMonitor {
	return &hostMonitor{
		target: target,
		stop:   &atomic.Bool{},
		wg:     &sync.WaitGroup{},
		hm:     &report.HostMeasurements{},
	}
}

func (mon *hostMonitor) StartMonitoring() error {
	client, err := mon.target.Client()
	if err != nil {
		return err
	}

	mon.wg.Add(1)
	go mon.runMonitor(client)
	return nil
}

func (mon *hostMonitor) StopMonitoring() {
	mon.stop.Store(true)
}

func (mon *hostMonitor) WaitUntilStopped() {
	mon.wg.Wait()
}

func (mon *hostMonitor) Measurements() *report.HostMeasurements {
	return mon.hm
}

var loopTime = 5 * time.Second

func (mon *hostMonitor) runMonitor(client *ssh.Client) {
	var prevCPU *cpuTimeStat
	defer mon.wg.Done()
	defer client.Close()
	for {
		if mon.stop.Load() {
			break // we deferred wg.Done
		}

		buf := mon.runCommand(client, "cat /proc/stat")
		t := time.Now()
		currCPU := parseCPUTimeStat(buf)
		if prevCPU != nil && currCPU != nil {
			mon.appendCPUMetrics(t, currCPU, prevCPU)
		}
		prevCPU = currCPU

		buf = mon.runCommand(client, "cat /proc/meminfo")
		mon.appendMemoryMetrics(time.Now(), buf)

		time.Sleep(loopTime)
	}
	slog.Debug("HostMonitor: stopped")
}

func (mon *hostMonitor) runCommand(client *ssh.Client, cmd string) []byte {
	session, err := client.NewSession()
	if err == io.EOF {
		slog.Error("HostMonitor: client got EOF when creating session, stopping monitor because connection is dead", slog.String("error", err.Error()))
		mon.StopMonitoring()
		return nil
	} else if err != nil {
		slog.Warn("HostMonitor: failed to create session", slog.String("error", err.Error()))
		return nil
	} else {
		defer session.Close()
		buf, err := session.CombinedOutput(cmd)
		if err != nil {
			slog.Warn("HostMonitor: failed to run command", slog.String("command", cmd), slog.String("output", string(buf)))
			return nil
		} else {
			return buf
		}
	}
}
