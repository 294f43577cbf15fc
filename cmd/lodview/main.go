// Package main is the lodview command, a headless demonstration host for
// the progressive point cloud engine. It loads or synthesizes a cloud,
// orbits a camera through every detail level, and prints what a renderer
// would have been handed each frame.
package main

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	goutils "go.viam.com/utils"

	"go.viam.com/pointlod/engine"
	"go.viam.com/pointlod/ingest"
	"go.viam.com/pointlod/lod"
	pc "go.viam.com/pointlod/pointcloud"
	"go.viam.com/pointlod/recolor"
	"go.viam.com/pointlod/spatialmath"
)

const (
	// Flags.
	flagQuiet     = "quiet"
	flagDebug     = "debug"
	flagSynthetic = "synthetic"
	flagSeed      = "seed"
	flagFrames    = "frames"
	flagFPS       = "fps"
	flagColorMode = "color-mode"
	flagCacheDir  = "cache-dir"
	flagStream    = "stream"
	flagBinary    = "binary"

	reportEvery = 30

	// Rough per point cost of the in memory cloud: position, color, value.
	bytesPerPoint = 36
)

func main() {
	var logger golog.Logger

	app := &cli.App{
		Name:  "lodview",
		Usage: "exercise the progressive point cloud engine without a renderer",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  flagQuiet,
				Usage: "silence engine logs",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			switch {
			case c.Bool(flagQuiet):
				logger = zap.NewNop().Sugar()
			case c.Bool(flagDebug):
				logger = golog.NewDebugLogger("lodview")
			default:
				logger = golog.NewDevelopmentLogger("lodview")
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "view",
				Usage:     "orbit a camera around a cloud and print selection diagnostics",
				ArgsUsage: "[cloud file]",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  flagSynthetic,
						Usage: "generate this many clustered points instead of reading a file",
					},
					&cli.Int64Flag{
						Name:  flagSeed,
						Value: 1,
						Usage: "seed for the synthetic cloud",
					},
					&cli.IntFlag{
						Name:  flagFrames,
						Value: 240,
						Usage: "orbit length in frames",
					},
					&cli.IntFlag{
						Name:  flagFPS,
						Value: 60,
						Usage: "frame pacing; 0 runs unpaced",
					},
					&cli.StringFlag{
						Name:  flagColorMode,
						Value: "height",
						Usage: "color mode to request (original, height, intensity, single, random, axisrgb)",
					},
					&cli.PathFlag{
						Name:  flagCacheDir,
						Usage: "directory for persisted spatial index builds",
					},
					&cli.BoolFlag{
						Name:  flagStream,
						Usage: "stream the cloud in through the ingest path instead of preloading",
					},
				},
				Action: func(c *cli.Context) error {
					return runView(c, logger)
				},
			},
			{
				Name:      "info",
				Usage:     "print a cloud file's shape and bounds",
				ArgsUsage: "<cloud file>",
				Action: func(c *cli.Context) error {
					return runInfo(c, logger)
				},
			},
			{
				Name:      "convert",
				Usage:     "rewrite a cloud file as PCD or LAS, by output extension",
				ArgsUsage: "<in file> <out file>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  flagBinary,
						Usage: "write binary PCD instead of ascii",
					},
				},
				Action: func(c *cli.Context) error {
					return runConvert(c, logger)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runView(c *cli.Context, logger golog.Logger) error {
	cloud, name, err := sourceCloud(c, logger)
	if err != nil {
		return err
	}
	mode, err := recolor.ParseMode(c.String(flagColorMode))
	if err != nil {
		return err
	}

	cfg := engine.Config{
		Name:     name,
		LOD:      lod.Config{CacheDir: c.Path(flagCacheDir)},
		Reporter: &printReporter{c: c},
		Logger:   logger,
	}
	stream := c.Bool(flagStream)
	if !stream {
		cfg.Cloud = cloud
	}
	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(eng.Close())
	}()

	if stream {
		n, err := eng.LoadFromDecoder(c.Context, ingest.NewCloudDecoder(cloud, 0))
		if err != nil {
			return errors.Wrap(err, "streaming load failed")
		}
		fmt.Fprintf(c.App.Writer, "streamed %d points through the ingest path\n", n)
	}
	if mode != recolor.ModeOriginal {
		if err := eng.SetColorMode(recolor.Spec{Mode: mode}); err != nil {
			return err
		}
	}

	bb := eng.Cloud().BoundingBox()
	if bb.IsEmpty() {
		return errors.New("cloud is empty")
	}
	center, radius := bb.BoundingSphere()
	if radius <= 0 {
		radius = 1
	}
	fmt.Fprintf(c.App.Writer, "%s: %d points (~%s in memory)\n",
		name, eng.Cloud().Len(),
		units.HumanSize(float64(int64(eng.Cloud().Len())*bytesPerPoint)))

	frames := c.Int(flagFrames)
	var interval time.Duration
	if fps := c.Int(flagFPS); fps > 0 {
		interval = time.Second / time.Duration(fps)
	}
	for i := 0; i < frames; i++ {
		frame, err := eng.SelectFrame(orbitCamera(center, radius, i, frames))
		if err != nil {
			return err
		}
		if i%reportEvery == 0 {
			st := eng.Stats()
			fade := 0.0
			if frame.Fade != nil {
				fade = frame.Fade.Weight
			}
			fmt.Fprintf(c.App.Writer,
				"frame %4d: detail=%.2f visible=%d budget=%d fade=%.2f building=%v spatial=%v\n",
				i, frame.Level.Detail, len(frame.Visible), frame.Budget, fade,
				st.Caches.Building, st.Caches.SpatialReady)
		}
		if interval > 0 {
			time.Sleep(interval)
		}
	}

	if res, err := eng.Nearest(center); err == nil {
		within, err := eng.WithinRadius(center, radius/4)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "nearest to center: index %d at distance %.3f; %d points within %.1f\n",
			res.Index, math.Sqrt(res.DistSq), len(within), radius/4)
	} else {
		fmt.Fprintf(c.App.Writer, "spatial index never finished: %v\n", err)
	}

	st := eng.Stats()
	fmt.Fprintf(c.App.Writer, "done: %d ticks, %d points, color generation %d\n",
		st.Scheduler.Ticks, st.Points, st.ColorGeneration)
	return nil
}

func runInfo(c *cli.Context, logger golog.Logger) error {
	fn := c.Args().First()
	if fn == "" {
		return errors.New("cloud file required")
	}
	cloud, err := pc.NewCloudFromFile(fn, logger)
	if err != nil {
		return errors.Wrapf(err, "cannot load %q", fn)
	}
	md := cloud.MetaData()
	w := c.App.Writer
	fmt.Fprintf(w, "%s: %d points (~%s in memory)\n",
		filepath.Base(fn), cloud.Len(),
		units.HumanSize(float64(int64(cloud.Len())*bytesPerPoint)))
	fmt.Fprintf(w, "  x [%.3f, %.3f]  y [%.3f, %.3f]  z [%.3f, %.3f]\n",
		md.MinX, md.MaxX, md.MinY, md.MaxY, md.MinZ, md.MaxZ)
	ctr := cloud.Centroid()
	fmt.Fprintf(w, "  centroid (%.3f, %.3f, %.3f)\n", ctr.X, ctr.Y, ctr.Z)
	fmt.Fprintf(w, "  color: %v\n", md.HasColor)
	if md.HasValue {
		fmt.Fprintf(w, "  value: [%.3f, %.3f]\n", md.MinValue, md.MaxValue)
	} else {
		fmt.Fprintf(w, "  value: false\n")
	}
	return nil
}

func runConvert(c *cli.Context, logger golog.Logger) error {
	in, out := c.Args().Get(0), c.Args().Get(1)
	if in == "" || out == "" {
		return errors.New("input and output files required")
	}
	cloud, err := pc.NewCloudFromFile(in, logger)
	if err != nil {
		return errors.Wrapf(err, "cannot load %q", in)
	}
	switch filepath.Ext(out) {
	case ".pcd":
		format := pc.PCDAscii
		if c.Bool(flagBinary) {
			format = pc.PCDBinary
		}
		err = pc.WriteToPCDFile(cloud, out, format)
	case ".las":
		err = pc.WriteToLASFile(cloud, out)
	default:
		return errors.Errorf("unsupported output extension %q", filepath.Ext(out))
	}
	if err != nil {
		return errors.Wrapf(err, "cannot write %q", out)
	}
	fmt.Fprintf(c.App.Writer, "wrote %d points to %s\n", cloud.Len(), out)
	return nil
}

// sourceCloud reads the positional file argument, or synthesizes a
// clustered cloud when --synthetic is given.
func sourceCloud(c *cli.Context, logger golog.Logger) (*pc.Cloud, string, error) {
	if n := c.Int(flagSynthetic); n > 0 {
		cloud, err := syntheticCloud(n, c.Int64(flagSeed))
		if err != nil {
			return nil, "", err
		}
		return cloud, fmt.Sprintf("synthetic-%d", n), nil
	}
	fn := c.Args().First()
	if fn == "" {
		return nil, "", errors.New("give a cloud file or --synthetic N")
	}
	cloud, err := pc.NewCloudFromFile(fn, logger)
	if err != nil {
		return nil, "", errors.Wrapf(err, "cannot load %q", fn)
	}
	return cloud, filepath.Base(fn), nil
}

// syntheticCloud scatters points around a handful of cluster centers so
// the octree and the KD tree get uneven density to chew on.
func syntheticCloud(n int, seed int64) (*pc.Cloud, error) {
	rnd := rand.New(rand.NewSource(seed))
	const clusters = 12
	centers := make([]r3.Vector, clusters)
	for i := range centers {
		centers[i] = r3.Vector{
			X: rnd.Float64() * 1000,
			Y: rnd.Float64() * 1000,
			Z: rnd.Float64() * 200,
		}
	}
	pts := make([]r3.Vector, 0, n)
	colors := make([]pc.Color, 0, n)
	values := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		ctr := centers[rnd.Intn(clusters)]
		p := r3.Vector{
			X: ctr.X + rnd.NormFloat64()*30,
			Y: ctr.Y + rnd.NormFloat64()*30,
			Z: ctr.Z + rnd.NormFloat64()*10,
		}
		pts = append(pts, p)
		colors = append(colors, pc.NewColor(uint8(i), uint8(i>>8), uint8(i>>16)))
		values = append(values, p.Z)
	}
	cloud := pc.NewCloud()
	if err := cloud.Append(pts, colors, values); err != nil {
		return nil, err
	}
	return cloud, nil
}

// orbitCamera swings between a close pass and a wide pull back while
// circling, so the orbit crosses every hysteresis band.
func orbitCamera(center r3.Vector, radius float64, i, frames int) spatialmath.Camera {
	t := float64(i) / float64(frames)
	angle := 2 * math.Pi * t
	dist := radius * (2 + 78*(1-math.Cos(2*math.Pi*t))/2)
	eye := center.Add(r3.Vector{
		X: math.Cos(angle) * dist,
		Y: math.Sin(angle) * dist,
		Z: 0.4 * dist,
	})
	return spatialmath.Camera{
		Eye:        eye,
		Target:     center,
		Up:         r3.Vector{Z: 1},
		FOVDegrees: 60,
		Aspect:     16.0 / 9,
		Near:       radius / 1000,
		Far:        dist + 2*radius,
	}
}

// printReporter prints finished color rebuilds the way a telemetry sink
// would record them.
type printReporter struct {
	c *cli.Context
}

func (r *printReporter) Report(s recolor.Summary) {
	fmt.Fprintf(r.c.App.Writer,
		"recolor %s gen %d: mode=%s ok=%v %d/%d points in %s (%.0f pts/s, peak rss %s)\n",
		s.Cloud, s.Generation, s.Mode, s.Success, s.Processed, s.Total,
		s.Duration.Round(time.Millisecond), s.Rate,
		units.HumanSize(float64(s.PeakMemoryBytes)))
}
