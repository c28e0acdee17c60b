package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thesyncim/avenc"
)

// EncodeCmd renders a synthetic scene and encodes it to the output target.
var EncodeCmd = &cobra.Command{
	Use:   "encode <output>",
	Short: "Encode a synthetic scene",
	Long: `Renders a test pattern on the software device and encodes it to a file or an rtmp:// URL.
Options are read from --config first; flags given on the command line override the file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEncode(cmd, args[0])
	},
}

func init() {
	addEncodeFlags(EncodeCmd.Flags())
}

func addEncodeFlags(f *pflag.FlagSet) {
	def := avenc.DefaultOptions()
	f.StringP("config", "c", "", "Path to a TOML options file")
	f.Int("width", def.Width, "Frame width")
	f.Int("height", def.Height, "Frame height")
	f.String("fps", "60", "Frame rate as N or N/D")
	f.String("format", def.Format.String(), "Encoder pixel format (nv12, p010, yuv420p, ...)")
	f.StringP("encoder", "e", def.Encoder, "Encoder or backend name, see `avenc backends`")
	f.Int("bitrate", def.BitrateKbits, "Target bitrate in kbit/s")
	f.Float64("gop", def.GOPSeconds, "Keyframe interval in seconds, negative for unbounded")
	f.Bool("low-latency", false, "Tune the encoder for low latency")
	f.Bool("wall-clock", false, "Pace frames in real time and derive timestamps from the clock")
	f.Bool("hdr10", false, "Encode as BT.2020 PQ")
	f.String("backup", "", "Local backup FLV path (wall-clock mode only)")
	f.String("muxer", "", "Container for pathless outputs (flv)")
	f.String("audio-codec", "", "Override the audio codec choice")

	f.IntP("frames", "n", 300, "Number of frames to encode")
	f.String("pattern", avenc.PatternMovingBox.String(), "Scene: bars, gradient, checkerboard or box")
	f.Bool("tone", true, "Mix in a 440 Hz sine tone (fixed-cadence only)")
	f.Bool("metrics", false, "Print session metrics on exit")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

// loadOptions applies the options file, then every flag the user set.
func loadOptions(cmd *cobra.Command) (avenc.EncodeOptions, error) {
	opts := avenc.DefaultOptions()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := avenc.LoadOptions(path)
		if err != nil {
			return opts, err
		}
		opts = loaded
	}

	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if !f.Changed || err != nil {
			return
		}
		err = applyFlag(&opts, cmd.Flags(), f.Name)
	})
	return opts, err
}

func applyFlag(opts *avenc.EncodeOptions, fs *pflag.FlagSet, name string) error {
	var err error
	switch name {
	case "width":
		opts.Width, err = fs.GetInt(name)
	case "height":
		opts.Height, err = fs.GetInt(name)
	case "fps":
		s, _ := fs.GetString(name)
		opts.FrameRate, err = parseFrameRate(s)
	case "format":
		s, _ := fs.GetString(name)
		opts.Format, err = avenc.ParsePixelFormat(s)
	case "encoder":
		opts.Encoder, err = fs.GetString(name)
	case "bitrate":
		opts.BitrateKbits, err = fs.GetInt(name)
		opts.MaxBitrateKbits = opts.BitrateKbits * 5 / 4
		opts.VBVSizeKbits = opts.BitrateKbits
	case "gop":
		opts.GOPSeconds, err = fs.GetFloat64(name)
	case "low-latency":
		opts.LowLatency, err = fs.GetBool(name)
	case "wall-clock":
		opts.WallClock, err = fs.GetBool(name)
	case "hdr10":
		opts.HDR10, err = fs.GetBool(name)
	case "backup":
		opts.LocalBackupPath, err = fs.GetString(name)
	case "muxer":
		opts.MuxerFormat, err = fs.GetString(name)
	case "audio-codec":
		opts.AudioCodec, err = fs.GetString(name)
	}
	return err
}

func parseFrameRate(s string) (avenc.Rational, error) {
	num, den, found := strings.Cut(s, "/")
	if !found {
		den = "1"
	}
	n, err1 := strconv.ParseInt(num, 10, 64)
	d, err2 := strconv.ParseInt(den, 10, 64)
	r := avenc.Rational{Num: n, Den: d}
	if err1 != nil || err2 != nil || !r.Valid() {
		return r, fmt.Errorf("%w: invalid frame rate %q", avenc.ErrConfig, s)
	}
	return r, nil
}

func runEncode(cmd *cobra.Command, output string) error {
	fs := cmd.Flags()
	level, _ := fs.GetString("log-level")
	format, _ := fs.GetString("log-format")
	logger, _ := avenc.NewLogger(avenc.LogConfig{Level: level, Format: format}, os.Stderr)
	slog.SetDefault(logger)

	opts, err := loadOptions(cmd)
	if err != nil {
		return err
	}
	frames, _ := fs.GetInt("frames")
	patternName, _ := fs.GetString("pattern")
	pattern, err := avenc.ParsePattern(patternName)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics, err := avenc.NewMetrics(reg)
	if err != nil {
		return err
	}
	events := avenc.NewEvents()
	defer events.Subscribe(func(e avenc.TargetAbandonedEvent) {
		logger.Warn("target abandoned", "target", e.Target, "error", e.Error)
	})()

	dev := avenc.NewSoftDevice(avenc.DeviceCaps{
		BitstreamH264:       true,
		BitstreamH265:       true,
		BitstreamH265Main10: true,
		Wavelet:             true,
		EncodeQueue:         true,
	})
	cfg := avenc.SessionConfig{Logger: logger, Metrics: metrics, Events: events}
	if tone, _ := fs.GetBool("tone"); tone {
		if opts.WallClock {
			logger.Warn("tone skipped, pulled audio needs fixed-cadence timestamps")
		} else {
			cfg.AudioSource = avenc.NewToneSource(48000, 2, 440, 0.25)
		}
	}

	session, err := avenc.NewSession(dev, output, opts, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	encodeErr := encodeLoop(ctx, session, dev, opts, pattern, frames)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	closeErr := session.Close(closeCtx)

	if show, _ := fs.GetBool("metrics"); show {
		printMetrics(reg)
	}
	if encodeErr != nil {
		return encodeErr
	}
	return closeErr
}

func encodeLoop(ctx context.Context, session *avenc.EncodeSession, dev *avenc.SoftDevice, opts avenc.EncodeOptions, pattern avenc.PatternType, frames int) error {
	scene := avenc.NewTestPattern(pattern, opts.Width, opts.Height)
	frameUs := avenc.RescaleQ(1, opts.FrameDuration(), avenc.Rational{Num: 1, Den: 1_000_000}, avenc.RoundNearInf)

	var tick <-chan time.Time
	if opts.WallClock {
		ticker := time.NewTicker(time.Duration(frameUs) * time.Microsecond)
		defer ticker.Stop()
		tick = ticker.C
	}

	for n := 0; n < frames; n++ {
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		hint := int64(n) * frameUs
		if opts.WallClock {
			hint = session.SampleRealtimePTS()
		}
		view := dev.UploadRGBA(scene.Render(int64(n)))
		if err := session.SubmitVideoFrame(ctx, view, avenc.ColorSpaceSRGB, hint, 0); err != nil {
			return fmt.Errorf("frame %d: %w", n, err)
		}
	}
	return nil
}

func printMetrics(reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		slog.Warn("gather metrics", "error", err)
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			fmt.Printf("%s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), m.GetCounter().GetValue())
		}
	}
}
