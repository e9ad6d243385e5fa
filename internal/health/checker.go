package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/slipway-sh/slipway/internal/docker"
	"github.com/slipway-sh/slipway/internal/spec"
)

// Check kinds of the fixed post-deploy battery.
const (
	KindProcess  = "process"
	KindLogScan  = "log_scan"
	KindPort     = "port"
	KindResource = "resource"
)

const logTailLines = 200

// Result is the outcome of one individual check. A check that cannot be
// evaluated is marked Skipped and counts as a pass.
type Result struct {
	Kind     string
	Passed   bool
	Skipped  bool
	Detail   string
	Duration time.Duration
}

// DialFunc probes one TCP address; injectable for tests.
type DialFunc func(ctx context.Context, address string, timeout time.Duration) error

func tcpDial(ctx context.Context, address string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Checker runs the fixed four-check battery against a newly deployed
// container and computes the pass ratio.
type Checker struct {
	rt            docker.Runtime
	errorMarkers  []string
	cpuSaturation float64
	probeTimeout  time.Duration
	dial          DialFunc
}

// NewChecker creates a health checker. errorMarkers fail the log scan when
// found in the container's recent log tail; cpuSaturation is the CPU usage
// percentage above which the resource check fails.
func NewChecker(rt docker.Runtime, errorMarkers []string, cpuSaturation float64) *Checker {
	return &Checker{
		rt:            rt,
		errorMarkers:  errorMarkers,
		cpuSaturation: cpuSaturation,
		probeTimeout:  3 * time.Second,
		dial:          tcpDial,
	}
}

// WithDialer overrides the TCP prober, for tests.
func (c *Checker) WithDialer(dial DialFunc) *Checker {
	c.dial = dial
	return c
}

// Ratio computes passed/total for a battery outcome.
func Ratio(results []Result) float64 {
	if len(results) == 0 {
		return 0
	}
	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}
	return float64(passed) / float64(len(results))
}

// Run executes all four checks concurrently and returns their results in a
// fixed order: process, log scan, port, resource. The context carries the
// health-phase deadline; a check cut off by it fails rather than erroring.
func (c *Checker) Run(ctx context.Context, containerID string, ports []spec.PortBinding) []Result {
	results := make([]Result, 4)
	g, ctx := errgroup.WithContext(ctx)

	run := func(slot int, kind string, fn func(context.Context) Result) {
		g.Go(func() error {
			start := time.Now()
			res := fn(ctx)
			res.Kind = kind
			res.Duration = time.Since(start)
			results[slot] = res
			return nil
		})
	}

	run(0, KindProcess, func(ctx context.Context) Result { return c.checkProcess(ctx, containerID) })
	run(1, KindLogScan, func(ctx context.Context) Result { return c.checkLogs(ctx, containerID) })
	run(2, KindPort, func(ctx context.Context) Result { return c.checkPorts(ctx, ports) })
	run(3, KindResource, func(ctx context.Context) Result { return c.checkResources(ctx, containerID) })

	g.Wait()
	return results
}

func (c *Checker) checkProcess(ctx context.Context, containerID string) Result {
	info, err := c.rt.InspectContainer(ctx, containerID)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return Result{Passed: false, Detail: "container does not exist"}
		}
		return Result{Passed: false, Detail: fmt.Sprintf("inspect failed: %v", err)}
	}
	if !info.Running {
		return Result{Passed: false, Detail: fmt.Sprintf("process not running, exit code %d", info.ExitCode)}
	}
	return Result{Passed: true, Detail: "process running"}
}

func (c *Checker) checkLogs(ctx context.Context, containerID string) Result {
	if len(c.errorMarkers) == 0 {
		return Result{Passed: true, Skipped: true, Detail: "no error markers configured"}
	}
	tail, err := c.rt.StreamLogs(ctx, containerID, logTailLines)
	if err != nil {
		// Unreadable logs are no signal, not a failure.
		return Result{Passed: true, Skipped: true, Detail: fmt.Sprintf("log tail unavailable: %v", err)}
	}
	for _, marker := range c.errorMarkers {
		if strings.Contains(tail, marker) {
			return Result{Passed: false, Detail: fmt.Sprintf("error marker %q found in recent logs", marker)}
		}
	}
	return Result{Passed: true, Detail: "no error markers in recent logs"}
}

func (c *Checker) checkPorts(ctx context.Context, ports []spec.PortBinding) Result {
	if len(ports) == 0 {
		return Result{Passed: true, Skipped: true, Detail: "no ports exposed"}
	}
	var lastErr error
	for _, p := range ports {
		host := p.HostIP
		if host == "" {
			host = "127.0.0.1"
		}
		addr := net.JoinHostPort(host, strconv.Itoa(p.HostPort))
		if err := c.dial(ctx, addr, c.probeTimeout); err == nil {
			return Result{Passed: true, Detail: fmt.Sprintf("port %s reachable", addr)}
		} else {
			lastErr = err
		}
	}
	return Result{Passed: false, Detail: fmt.Sprintf("no exposed port reachable: %v", lastErr)}
}

func (c *Checker) checkResources(ctx context.Context, containerID string) Result {
	stats, err := c.rt.Stats(ctx, containerID)
	if err != nil {
		return Result{Passed: true, Skipped: true, Detail: fmt.Sprintf("stats unavailable: %v", err)}
	}
	if stats.CPUPercent >= c.cpuSaturation {
		return Result{Passed: false,
			Detail: fmt.Sprintf("cpu usage %.1f%% at or above saturation threshold %.1f%%", stats.CPUPercent, c.cpuSaturation)}
	}
	return Result{Passed: true, Detail: fmt.Sprintf("cpu usage %.1f%%", stats.CPUPercent)}
}
