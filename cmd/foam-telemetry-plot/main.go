// Command foam-telemetry-plot is a peripheral tool (SPEC_FULL §2):
// it reads a TelemetryLog file and renders an HTML chart of
// displacement-RMS history using go-echarts, grounded on the
// teacher's internal/lidar/monitor/echarts_handlers.go.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

var (
	logPath = flag.String("log", "", "path to a telemetry log file written by internal/telemetry")
	outPath = flag.String("out", "telemetry.html", "path to write the rendered HTML chart")
	tag     = flag.String("tag", "C", "displacement-vector tag to plot (O or C)")
)

func main() {
	flag.Parse()
	if *logPath == "" {
		fmt.Fprintln(os.Stderr, "foam-telemetry-plot: -log is required")
		os.Exit(1)
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "foam-telemetry-plot:", err)
		os.Exit(1)
	}
}

func run() error {
	rms, err := readDispRMS(*logPath, *tag)
	if err != nil {
		return err
	}
	if len(rms) == 0 {
		return fmt.Errorf("no %q-tagged vector lines found in %s", *tag, *logPath)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Shack-Hartmann displacement RMS", Subtitle: *logPath}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "RMS displacement (px)"}),
	)

	xs := make([]string, len(rms))
	data := make([]opts.LineData, len(rms))
	for i, v := range rms {
		xs[i] = strconv.Itoa(i)
		data[i] = opts.LineData{Value: v}
	}
	line.SetXAxis(xs).AddSeries("disp_rms", data)

	f, err := os.Create(*outPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", *outPath, err)
	}
	defer f.Close()
	if err := line.Render(f); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	fmt.Printf("wrote %s (%d points)\n", *outPath, len(rms))
	return nil
}

// readDispRMS scans a telemetry log for lines whose first whitespace-
// separated token equals tag, treats the remaining tokens as a
// displacement vector, and returns its RMS per matching line in file
// order. Comment lines (leading "#") are skipped.
func readDispRMS(path, tag string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var out []float64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 16<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != tag {
			continue
		}
		sum := 0.0
		n := 0
		for _, tok := range fields[1:] {
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				continue
			}
			sum += v * v
			n++
		}
		if n == 0 {
			continue
		}
		out = append(out, math.Sqrt(sum/float64(n)))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return out, nil
}
