package core

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pbnjay/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"meshsearch/pkg/config"
)

// governor.go implements the Resource Governor: a background monitor that
// samples CPU and memory pressure every ~2s (disk and bandwidth are not
// sampled) and walks through five
// hysteretic degradation levels, each requiring sustained(10s) pressure
// before taking effect so transient spikes don't flap the node.

type DegradationLevel int

const (
	LevelNormal DegradationLevel = iota
	LevelWarning
	LevelOverload
	LevelCritical
	LevelDefense
)

func (d DegradationLevel) String() string {
	switch d {
	case LevelWarning:
		return "warning"
	case LevelOverload:
		return "overload"
	case LevelCritical:
		return "critical"
	case LevelDefense:
		return "defense"
	default:
		return "normal"
	}
}

// ProfileLimits are the concrete caps a profile enforces.
type ProfileLimits struct {
	MaxConcurrentCrawls int
	UploadBitsPerSec    int64
	DownloadBitsPerSec  int64
	AllowLLM            bool
}

func limitsForProfile(p config.Profile) ProfileLimits {
	switch p {
	case config.ProfileMinimal:
		return ProfileLimits{MaxConcurrentCrawls: 2, UploadBitsPerSec: 1 << 20, DownloadBitsPerSec: 2 << 20, AllowLLM: false}
	case config.ProfileContributor:
		return ProfileLimits{MaxConcurrentCrawls: 16, UploadBitsPerSec: 10 << 20, DownloadBitsPerSec: 20 << 20, AllowLLM: true}
	case config.ProfileDedicated:
		return ProfileLimits{MaxConcurrentCrawls: 64, UploadBitsPerSec: 50 << 20, DownloadBitsPerSec: 100 << 20, AllowLLM: true}
	default: // balanced
		return ProfileLimits{MaxConcurrentCrawls: 8, UploadBitsPerSec: 5 << 20, DownloadBitsPerSec: 10 << 20, AllowLLM: true}
	}
}

// GovernorEvent is emitted on every degradation-level transition.
type GovernorEvent struct {
	Level DegradationLevel
	At    time.Time
}

const (
	monitorTick      = 2 * time.Second
	hysteresisWindow = 10 * time.Second
)

// Governor samples local resource pressure and exposes the current
// degradation level to the rest of the node.
type Governor struct {
	profile config.Profile
	limits  ProfileLimits
	log     *logrus.Logger

	level      atomic.Int32
	pending    DegradationLevel
	pendingAt  time.Time
	mu         sync.Mutex

	subs   []chan GovernorEvent
	subsMu sync.Mutex

	reg       *prometheus.Registry
	gaugeCPU  prometheus.Gauge
	gaugeMem  prometheus.Gauge
	gaugeLvl  prometheus.Gauge

	ctx    context.Context
	cancel context.CancelFunc
}

// NewGovernor constructs a Governor for the given profile and starts its
// monitor loop.
func NewGovernor(profile config.Profile, log *logrus.Logger) (*Governor, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	reg := prometheus.NewRegistry()
	g := &Governor{
		profile: profile,
		limits:  limitsForProfile(profile),
		log:     log,
		reg:     reg,
		gaugeCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshsearch_governor_cpu_ratio",
			Help: "Sampled CPU load ratio (0-1, approximate).",
		}),
		gaugeMem: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshsearch_governor_mem_ratio",
			Help: "Sampled resident memory as a fraction of total system memory.",
		}),
		gaugeLvl: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshsearch_governor_degradation_level",
			Help: "Current degradation level, 0 (normal) to 4 (defense).",
		}),
	}
	reg.MustRegister(g.gaugeCPU, g.gaugeMem, g.gaugeLvl)

	g.ctx, g.cancel = context.WithCancel(context.Background())
	go g.loop()
	return g, nil
}

// Limits returns the cap set for the configured profile.
func (g *Governor) Limits() ProfileLimits { return g.limits }

// Level returns the current degradation level.
func (g *Governor) Level() DegradationLevel {
	return DegradationLevel(g.level.Load())
}

// Registry exposes the governor's prometheus registry for the admin /metrics route.
func (g *Governor) Registry() *prometheus.Registry { return g.reg }

// Subscribe returns a channel receiving every degradation-level transition.
func (g *Governor) Subscribe() <-chan GovernorEvent {
	ch := make(chan GovernorEvent, 8)
	g.subsMu.Lock()
	g.subs = append(g.subs, ch)
	g.subsMu.Unlock()
	return ch
}

func (g *Governor) emit(lvl DegradationLevel) {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()
	for _, ch := range g.subs {
		select {
		case ch <- GovernorEvent{Level: lvl, At: time.Now()}:
		default:
		}
	}
}

func (g *Governor) loop() {
	ticker := time.NewTicker(monitorTick)
	defer ticker.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.sample()
		}
	}
}

func (g *Governor) sample() {
	cpu := sampleCPURatio()
	mem := sampleMemRatio()
	g.gaugeCPU.Set(cpu)
	g.gaugeMem.Set(mem)

	target := levelFor(cpu, mem)
	g.gaugeLvl.Set(float64(target))

	g.mu.Lock()
	defer g.mu.Unlock()
	current := DegradationLevel(g.level.Load())
	if target == current {
		g.pending = current
		return
	}
	if g.pending != target {
		g.pending = target
		g.pendingAt = time.Now()
		return
	}
	if time.Since(g.pendingAt) >= hysteresisWindow {
		g.level.Store(int32(target))
		g.log.WithField("level", target.String()).Info("governor degradation level changed")
		g.emit(target)
	}
}

func levelFor(cpu, mem float64) DegradationLevel {
	switch {
	case cpu > 0.95 || mem > 0.95:
		return LevelDefense
	case cpu > 0.90 || mem > 0.90:
		return LevelCritical
	case cpu > 0.80 || mem > 0.80:
		return LevelOverload
	case cpu > 0.65 || mem > 0.65:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// sampleMemRatio reports resident memory usage as a fraction of total system
// memory, using pbnjay/memory for the total since /proc/meminfo's layout is
// not guaranteed portable across the target platforms.
func sampleMemRatio() float64 {
	total := memory.TotalMemory()
	if total == 0 {
		return 0
	}
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0
	}
	var rssKB uint64
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "VmRSS:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				v, _ := strconv.ParseUint(fields[1], 10, 64)
				rssKB = v
			}
			break
		}
	}
	return float64(rssKB*1024) / float64(total)
}

// sampleCPURatio approximates instantaneous CPU pressure from the 1-minute
// load average relative to the number of logical CPUs.
func sampleCPURatio() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	ncpu := numCPU()
	if ncpu <= 0 {
		ncpu = 1
	}
	ratio := load1 / float64(ncpu)
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

func numCPU() int {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return 1
	}
	return strings.Count(string(data), "processor\t:")
}

// Close stops the monitor loop.
func (g *Governor) Close() error {
	g.cancel()
	return nil
}
