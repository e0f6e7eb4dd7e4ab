package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type tableStat struct {
	fetches    int64
	fetchBytes int64
	appends    int64
	rows       int64
}

var (
	errorCount int64
	warnCount  int64
	tables     sync.Map // map[string]*tableStat
)

func recordWarn() {
	atomic.AddInt64(&warnCount, 1)
}

func recordError() {
	atomic.AddInt64(&errorCount, 1)
}

func statFor(table string) *tableStat {
	v, _ := tables.LoadOrStore(table, &tableStat{})
	return v.(*tableStat)
}

// RecordFetch counts a downloaded payload for table.
func RecordFetch(table string, size int) {
	ts := statFor(table)
	atomic.AddInt64(&ts.fetches, 1)
	atomic.AddInt64(&ts.fetchBytes, int64(size))
}

// RecordAppend counts rows committed to table.
func RecordAppend(table string, rows int) {
	ts := statFor(table)
	atomic.AddInt64(&ts.appends, 1)
	atomic.AddInt64(&ts.rows, int64(rows))
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				LogReport(ctx, log)
			}
		}
	}()
}

// LogReport logs host statistics and per-table counters once and publishes
// them to CloudWatch when enabled.
func LogReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)

	tableData := map[string]map[string]int64{}
	tables.Range(func(k, v any) bool {
		ts := v.(*tableStat)
		tableData[k.(string)] = map[string]int64{
			"fetches":     atomic.LoadInt64(&ts.fetches),
			"fetch_bytes": atomic.LoadInt64(&ts.fetchBytes),
			"appends":     atomic.LoadInt64(&ts.appends),
			"rows":        atomic.LoadInt64(&ts.rows),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	var memUsed, diskUsed uint64
	if memStats != nil {
		memUsed = memStats.Used
	}
	if diskStats != nil {
		diskUsed = diskStats.Used
	}
	var bytesSent, bytesRecv uint64
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	errs := atomic.LoadInt64(&errorCount)
	warns := atomic.LoadInt64(&warnCount)

	log.WithComponent("report").WithFields(Fields{
		"errors":         errs,
		"warnings":       warns,
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memUsed) / 1024 / 1024,
		"disk_mb":        int64(diskUsed) / 1024 / 1024,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
		"tables":         tableData,
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
		{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(errs))},
		{MetricName: aws.String("Warnings"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(warns))},
	}
	for name, stats := range tableData {
		dims := []cwtypes.Dimension{{Name: aws.String("table"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("FetchBytes"), Unit: cwtypes.StandardUnitBytes, Dimensions: dims, Value: aws.Float64(float64(stats["fetch_bytes"]))},
			cwtypes.MetricDatum{MetricName: aws.String("RowsAppended"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["rows"]))},
		)
	}

	publishMetrics(ctx, data)
}
