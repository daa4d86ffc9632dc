package download

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"localmodeld/pkg/types"
)

// SpeedUnitBase is the base used to render transfer speeds: 1000 gives
// "12 MB/s", 1024 gives "11 MiB/s".
const SpeedUnitBase = 1000

// FormatSpeed renders a rate in bytes per second.
func FormatSpeed(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "0 B/s"
	}
	if SpeedUnitBase == 1024 {
		return humanize.IBytes(uint64(bytesPerSec)) + "/s"
	}
	return humanize.Bytes(uint64(bytesPerSec)) + "/s"
}

// meter turns a byte counter into periodic progress reports.
type meter struct {
	interval time.Duration
	total    int64

	lastAt    time.Time
	lastBytes int64
}

func newMeter(interval time.Duration, total int64, start time.Time) *meter {
	return &meter{interval: interval, total: total, lastAt: start}
}

// tick returns a report if at least interval elapsed since the previous one.
func (m *meter) tick(now time.Time, done int64) (types.DownloadProgress, bool) {
	dt := now.Sub(m.lastAt)
	if dt < m.interval {
		return types.DownloadProgress{}, false
	}
	rate := float64(done-m.lastBytes) / dt.Seconds()
	m.lastAt, m.lastBytes = now, done
	p := types.DownloadProgress{
		BytesPerSec: rate,
		Speed:       FormatSpeed(rate),
		Downloaded:  done,
		Total:       m.total,
	}
	if m.total > 0 {
		p.Percent = float64(done) / float64(m.total) * 100
		if p.Percent > 100 {
			p.Percent = 100
		}
	}
	return p, true
}

// job is one in-flight download.
type job struct {
	filename string
	cancel   func()

	mu       sync.Mutex
	progress types.DownloadProgress
}

func (j *job) set(p types.DownloadProgress) {
	j.mu.Lock()
	j.progress = p
	j.mu.Unlock()
}

func (j *job) get() types.DownloadProgress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}
