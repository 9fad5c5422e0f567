package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestSmooth(t *testing.T) {
	Convey("Given a single spike at the start of the series", t, func() {
		values := make([]float64, 12)
		values[0] = 10

		Convey("The box filter spreads it over the centred window", func() {
			So(Smooth(values, 10), ShouldResemble, []float64{1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0, 0})
		})
	})

	Convey("Given a constant series", t, func() {
		values := make([]float64, 20)
		for i := range values {
			values[i] = 5
		}
		smooth := Smooth(values, 10)

		Convey("The interior keeps its value and the edges trail off", func() {
			So(len(smooth), ShouldEqual, 20)
			So(smooth[0], ShouldAlmostEqual, 2.5)
			So(smooth[10], ShouldAlmostEqual, 5)
			So(smooth[19], ShouldAlmostEqual, 3)
		})
	})

	Convey("Short and empty series keep their length", t, func() {
		So(len(Smooth([]float64{1, 2, 3}, 10)), ShouldEqual, 3)
		So(Smooth(nil, 10), ShouldBeEmpty)
	})
}

func TestRunStats(t *testing.T) {
	Convey("Given a run with a few episodes", t, func() {
		dir := filepath.Join(t.TempDir(), "run")
		s := New(dir)
		start := time.Unix(0, 0)
		for i, ret := range []float64{100, -100, 300, 0, 200} {
			s.Record(EpisodeRecord{
				Episode:     i + 1,
				StartTime:   start,
				EndTime:     start.Add(time.Minute),
				Return:      ret,
				Steps:       10,
				GlobalSteps: 10 * (i + 1),
			})
		}

		Convey("Averages cover the tail or everything", func() {
			So(s.AverageReturn(2), ShouldAlmostEqual, 100)
			So(s.AverageReturn(10), ShouldAlmostEqual, 100)
			So(s.MaxReturn(), ShouldEqual, 300)
		})

		Convey("Histories follow episode order", func() {
			So(s.Returns(), ShouldResemble, []float64{100, -100, 300, 0, 200})
			So(s.GlobalSteps(), ShouldResemble, []float64{10, 20, 30, 40, 50})
			So(s.Episodes()[0].Duration(), ShouldEqual, time.Minute)
		})

		Convey("Flush writes every artifact", func() {
			So(s.Flush(), ShouldBeNil)

			text, err := os.ReadFile(filepath.Join(dir, ReturnsFile))
			So(err, ShouldBeNil)
			So(strings.Split(strings.TrimSpace(string(text)), "\n"), ShouldResemble, []string{"100", "-100", "300", "0", "200"})

			data, err := os.ReadFile(filepath.Join(dir, StatsFile))
			So(err, ShouldBeNil)
			var records []EpisodeRecord
			So(json.Unmarshal(data, &records), ShouldBeNil)
			So(len(records), ShouldEqual, 5)
			So(records[2].Return, ShouldEqual, 300)

			info, err := os.Stat(filepath.Join(dir, PlotFile))
			So(err, ShouldBeNil)
			So(info.Size(), ShouldBeGreaterThan, 0)
		})
	})

	Convey("An empty run averages to zero", t, func() {
		s := New(t.TempDir())
		So(s.AverageReturn(10), ShouldEqual, 0)
		So(s.MaxReturn(), ShouldEqual, 0)
	})

	Convey("MeanOfLast averages the tail of a series", t, func() {
		values := []float64{10, 20, 30, 40}
		So(MeanOfLast(values, 2), ShouldEqual, 35)
		So(MeanOfLast(values, 10), ShouldEqual, 25)
		So(MeanOfLast(values, 0), ShouldEqual, 0)
		So(MeanOfLast(nil, 3), ShouldEqual, 0)
	})
}
