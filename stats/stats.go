package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

const (
	StatsFile   = "stats.json"
	ReturnsFile = "returns.txt"
	PlotFile    = "returns.png"

	// SmoothWindow is the width of the box filter applied to the plot.
	SmoothWindow = 10
)

// EpisodeRecord holds the outcome of one training episode.
type EpisodeRecord struct {
	Episode     int       `json:"episode"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	Return      float64   `json:"return"`
	Steps       int       `json:"steps"`
	GlobalSteps int       `json:"globalSteps"`
	Loss        float64   `json:"loss"`
	Epsilon     float64   `json:"epsilon"`
	Hits        int       `json:"hits"`
}

// Duration returns how long the episode took.
func (r EpisodeRecord) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// RunStats collects the episodes of one run and writes them into dir.
type RunStats struct {
	dir      string
	episodes []EpisodeRecord
	mutex    sync.RWMutex
}

// New creates an empty collector writing into dir.
func New(dir string) *RunStats {
	return &RunStats{dir: dir}
}

// Dir returns the output directory.
func (s *RunStats) Dir() string {
	return s.dir
}

// Record appends an episode.
func (s *RunStats) Record(r EpisodeRecord) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.episodes = append(s.episodes, r)
}

// Episodes returns a copy of the recorded episodes.
func (s *RunStats) Episodes() []EpisodeRecord {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]EpisodeRecord(nil), s.episodes...)
}

// Returns lists the return of every episode in order.
func (s *RunStats) Returns() []float64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]float64, len(s.episodes))
	for i, e := range s.episodes {
		out[i] = e.Return
	}
	return out
}

// GlobalSteps lists the global step counter at the end of every episode.
func (s *RunStats) GlobalSteps() []float64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]float64, len(s.episodes))
	for i, e := range s.episodes {
		out[i] = float64(e.GlobalSteps)
	}
	return out
}

// AverageReturn is the mean return over the last n episodes, or over all
// of them when fewer were played.
func (s *RunStats) AverageReturn(n int) float64 {
	return MeanOfLast(s.Returns(), n)
}

// MeanOfLast averages the last n values, or all of them when there are fewer.
// It is zero for an empty series.
func MeanOfLast(values []float64, n int) float64 {
	if len(values) == 0 || n <= 0 {
		return 0
	}
	if len(values) > n {
		values = values[len(values)-n:]
	}
	return stat.Mean(values, nil)
}

// MaxReturn returns the best episode return so far.
func (s *RunStats) MaxReturn() float64 {
	returns := s.Returns()
	if len(returns) == 0 {
		return 0
	}
	return floats.Max(returns)
}

// Flush rewrites every artifact in the output directory.
func (s *RunStats) Flush() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create stats directory")
	}
	if err := s.writeJSON(); err != nil {
		return err
	}
	if err := s.writeReturns(); err != nil {
		return err
	}
	return s.writePlot()
}

func (s *RunStats) writeJSON() error {
	data, err := json.MarshalIndent(s.Episodes(), "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal stats data")
	}
	if err := os.WriteFile(filepath.Join(s.dir, StatsFile), data, 0644); err != nil {
		return errors.Wrap(err, "failed to write stats file")
	}
	return nil
}

// writeReturns writes one return per line.
func (s *RunStats) writeReturns() error {
	var b strings.Builder
	for _, r := range s.Returns() {
		fmt.Fprintf(&b, "%g\n", r)
	}
	if err := os.WriteFile(filepath.Join(s.dir, ReturnsFile), []byte(b.String()), 0644); err != nil {
		return errors.Wrap(err, "failed to write returns file")
	}
	return nil
}

// writePlot draws the smoothed returns against the global step count.
func (s *RunStats) writePlot() error {
	steps := s.GlobalSteps()
	smooth := Smooth(s.Returns(), SmoothWindow)

	pts := make(plotter.XYs, len(steps))
	for i := range pts {
		pts[i].X = steps[i]
		pts[i].Y = smooth[i]
	}

	p := plot.New()
	p.Title.Text = "Zombie Killer"
	p.X.Label.Text = "Steps"
	p.Y.Label.Text = "Return"
	if len(pts) > 0 {
		line, err := plotter.NewLine(pts)
		if err != nil {
			return errors.Wrap(err, "failed to build returns line")
		}
		p.Add(line)
	}
	if err := p.Save(6*vg.Inch, 4*vg.Inch, filepath.Join(s.dir, PlotFile)); err != nil {
		return errors.Wrap(err, "failed to save returns plot")
	}
	return nil
}

// Smooth applies a box filter of the given width, keeping the input length
// the way numpy's convolve does in 'same' mode. Edges are averaged against
// the full window, so they trail towards zero.
func Smooth(values []float64, window int) []float64 {
	n := len(values)
	out := make([]float64, n)
	if n == 0 || window <= 0 {
		return out
	}
	offset := (window - 1) / 2
	if n < window {
		offset = (n - 1) / 2
	}
	for i := range out {
		// full[k] sums values[k-window+1..k]; 'same' starts at k = offset.
		k := i + offset
		lo, hi := k-window+1, k
		if lo < 0 {
			lo = 0
		}
		if hi > n-1 {
			hi = n - 1
		}
		out[i] = floats.Sum(values[lo:hi+1]) / float64(window)
	}
	return out
}
