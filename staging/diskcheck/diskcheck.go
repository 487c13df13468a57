// Package diskcheck reports the health of the disk backing a filesystem
// staging area.
package diskcheck

import (
	"context"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

const (
	// Healthy represents a disk usage below the low threshold.
	Healthy Health = Health(true)

	// Sick represents a disk usage above the high threshold.
	Sick = Health(false)
)

var statfs = syscall.Statfs

// Checker notifies its caller when the health of a disk changes.
//
// Run is the main loop. It alternates between waiting for the disk to
// become sick and waiting for it to become healthy again, and writes to C
// on every transition only. The disk is considered healthy at start.
//
// Submissions are refused while the disk is sick, since staging them
// would fill it up. Using separate high and low thresholds keeps the health
// from flapping around a single value.
type Checker interface {
	Run(ctx context.Context)
	C() <-chan Health
}

// diskUsage represents the disk usage percentage
type diskUsage int

// Health represents the disk health state.
type Health bool

func (h Health) String() string {
	if h == Healthy {
		return "healthy"
	}
	return "sick"
}

type diskChecker struct {
	interval time.Duration

	// path is the directory whose file system is checked
	path string

	// disk usage thresholds (%)
	high, low diskUsage

	c      chan Health
	logger log.Logger
}

// New returns a new checker for the file system of path. The disk becomes
// sick above high% usage and healthy again at or below low%.
func New(path string, high int, low int, interval time.Duration, logger log.Logger) (Checker, error) {
	// 0 <= low < high <= 100
	if low >= high {
		return nil, errors.New("low threshold must be smaller than high")
	}
	if low < 0 || low > 100 {
		return nil, errors.New("low threshold must be between 0 and 100")
	}
	if high < 0 || high > 100 {
		return nil, errors.New("high threshold must be between 0 and 100")
	}
	if _, err := fetchDiskUsage(path); err != nil {
		return nil, err
	}

	return &diskChecker{
		path:     path,
		high:     diskUsage(high),
		low:      diskUsage(low),
		interval: interval,
		c:        make(chan Health),
		logger:   logger,
	}, nil
}

func (d *diskChecker) C() <-chan Health {
	return d.c
}

func (d *diskChecker) Run(ctx context.Context) {
	sick := func(du diskUsage) bool { return du > d.high }
	healthy := func(du diskUsage) bool { return du <= d.low }

	for {
		if !d.waitFor(ctx, sick, Sick) {
			return
		}
		if !d.waitFor(ctx, healthy, Healthy) {
			return
		}
	}
}

// waitFor checks the disk usage at regular intervals until cond holds, and
// then reports h. It returns false if ctx is cancelled first.
func (d *diskChecker) waitFor(ctx context.Context, cond func(diskUsage) bool, h Health) bool {
	tick := time.NewTicker(d.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-tick.C:
			du, err := fetchDiskUsage(d.path)
			if err != nil {
				level.Warn(d.logger).Log("msg", "could not check disk usage", "path", d.path, "err", err)
				continue
			}
			if !cond(du) {
				continue
			}

			level.Info(d.logger).Log("msg", "disk health changed", "path", d.path, "health", h, "usage", int(du))
			select {
			case d.c <- h:
				return true
			case <-ctx.Done():
				return false
			}
		}
	}
}

// fetchDiskUsage returns the disk usage of the file system of path.
func fetchDiskUsage(path string) (diskUsage, error) {
	fs := syscall.Statfs_t{}
	if err := statfs(path, &fs); err != nil {
		return 0, errors.Wrap(err, "Could not get file system statistics")
	}
	all := fs.Blocks * uint64(fs.Bsize)
	if all == 0 {
		return 0, errors.Errorf("file system of %s reports no blocks", path)
	}
	free := fs.Bfree * uint64(fs.Bsize)
	usage := (float64(all-free) / float64(all)) * 100
	return diskUsage(usage), nil
}
