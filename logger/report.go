package logger

import (
	"context"
	"runtime"
	"strings"
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

type categoryStat struct {
	attempts  int64
	successes int64
	failures  int64
}

var (
	errorsResolver  int64
	errorsRegistry  int64
	warnsResolver   int64
	warnsRegistry   int64
	attemptCount    int64
	resolveSuccess  int64
	resolveFailure  int64
	cooldownCount   int64
	credentialSkips int64
	categories      sync.Map // map[string]*categoryStat
)

func recordWarn(component string) {
	if strings.Contains(component, "resolver") || strings.Contains(component, "selection") {
		atomic.AddInt64(&warnsResolver, 1)
	} else if strings.Contains(component, "registry") {
		atomic.AddInt64(&warnsRegistry, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "resolver") || strings.Contains(component, "selection") {
		atomic.AddInt64(&errorsResolver, 1)
	} else if strings.Contains(component, "registry") {
		atomic.AddInt64(&errorsRegistry, 1)
	}
}

// IncrementAttempt counts a single provider attempt regardless of outcome.
func IncrementAttempt(category string) {
	atomic.AddInt64(&attemptCount, 1)
	stat := categoryStats(category)
	atomic.AddInt64(&stat.attempts, 1)
}

// IncrementResolveSuccess counts a resolution answered from some provider.
func IncrementResolveSuccess(category string) {
	atomic.AddInt64(&resolveSuccess, 1)
	stat := categoryStats(category)
	atomic.AddInt64(&stat.successes, 1)
}

// IncrementResolveFailure counts a resolution that exhausted its chain.
func IncrementResolveFailure(category string) {
	atomic.AddInt64(&resolveFailure, 1)
	stat := categoryStats(category)
	atomic.AddInt64(&stat.failures, 1)
}

// IncrementCooldown counts a resource entering cooldown.
func IncrementCooldown() {
	atomic.AddInt64(&cooldownCount, 1)
}

// IncrementCredentialSkip counts a resource skipped for a missing key.
func IncrementCredentialSkip() {
	atomic.AddInt64(&credentialSkips, 1)
}

func categoryStats(category string) *categoryStat {
	v, _ := categories.LoadOrStore(category, &categoryStat{})
	return v.(*categoryStat)
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and resolution statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	categoryData := map[string]map[string]int64{}
	categories.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*categoryStat)
		categoryData[name] = map[string]int64{
			"attempts":  atomic.LoadInt64(&cs.attempts),
			"successes": atomic.LoadInt64(&cs.successes),
			"failures":  atomic.LoadInt64(&cs.failures),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_resolver":  atomic.LoadInt64(&errorsResolver),
		"errors_registry":  atomic.LoadInt64(&errorsRegistry),
		"warns_resolver":   atomic.LoadInt64(&warnsResolver),
		"warns_registry":   atomic.LoadInt64(&warnsRegistry),
		"attempts":         atomic.LoadInt64(&attemptCount),
		"resolve_success":  atomic.LoadInt64(&resolveSuccess),
		"resolve_failure":  atomic.LoadInt64(&resolveFailure),
		"cooldowns":        atomic.LoadInt64(&cooldownCount),
		"credential_skips": atomic.LoadInt64(&credentialSkips),
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memStats.Used) / 1024 / 1024,
		"disk_mb":          int64(diskStats.Used) / 1024 / 1024,
		"categories":       categoryData,
		"net_bytes_sent":   int64(bytesSent),
		"net_bytes_recv":   int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Sourceflow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Sourceflow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Sourceflow-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Sourceflow-ErrorsResolver"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsResolver)))},
		cwtypes.MetricDatum{MetricName: aws.String("Sourceflow-ErrorsRegistry"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsRegistry)))},
		cwtypes.MetricDatum{MetricName: aws.String("Sourceflow-Attempts"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&attemptCount)))},
		cwtypes.MetricDatum{MetricName: aws.String("Sourceflow-ResolveSuccess"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&resolveSuccess)))},
		cwtypes.MetricDatum{MetricName: aws.String("Sourceflow-ResolveFailure"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&resolveFailure)))},
		cwtypes.MetricDatum{MetricName: aws.String("Sourceflow-Cooldowns"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&cooldownCount)))},
		cwtypes.MetricDatum{MetricName: aws.String("Sourceflow-CredentialSkips"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&credentialSkips)))},
		cwtypes.MetricDatum{MetricName: aws.String("Sourceflow-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("Sourceflow-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range categoryData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Sourceflow-CategoryAttempts"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Category"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["attempts"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Sourceflow-CategorySuccesses"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Category"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["successes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
