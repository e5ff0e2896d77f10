// Command adccal calibrates the ADCs of the SciFi tracker front-end
// electronics from LED and NoLED spectra.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/mice-scifi/adccal/internal/api"
	"github.com/mice-scifi/adccal/internal/calibrate"
	"github.com/mice-scifi/adccal/internal/config"
	"github.com/mice-scifi/adccal/internal/db"
	"github.com/mice-scifi/adccal/internal/frontend"
	"github.com/mice-scifi/adccal/internal/monitoring"
	"github.com/mice-scifi/adccal/internal/plots"
	"github.com/mice-scifi/adccal/internal/postprocess"
	"github.com/mice-scifi/adccal/internal/stability"
	"github.com/mice-scifi/adccal/internal/update"
	"github.com/mice-scifi/adccal/internal/version"
)

// errUnstable is returned by the stability command when the check fails.
var errUnstable = errors.New("stability check failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 2
	}
	command, args := args[0], args[1:]

	var err error
	switch command {
	case "calibrate":
		err = handleCalibrate(ctx, args, stdout)
	case "update":
		err = handleUpdate(ctx, args, stdout)
	case "postprocess":
		err = handlePostprocess(ctx, args, stdout)
	case "stability":
		err = handleStability(args, stdout)
	case "export":
		err = handleExport(args, stdout)
	case "config":
		err = handleConfig(args, stdout)
	case "serve":
		err = handleServe(ctx, args)
	case "migrate":
		err = handleMigrate(args, stdout)
	case "version":
		fmt.Fprintln(stdout, version.String())
	case "help", "-h", "--help":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", command)
		printUsage(stderr)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUnstable):
		fmt.Fprintln(stderr, err)
		return 1
	default:
		fmt.Fprintf(stderr, "adccal %s: %v\n", command, err)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `adccal - ADC calibration of the SciFi tracker front-end electronics

Usage: adccal <command> [options] [args]

Commands:
  calibrate <dir>              apply bad channels and mapping, run the LED calibration loops
  update <old-dir> <new-dir>   derive new-dir from old-dir by refitting pedestals
  postprocess <dir>            compute light/dark yields and noise rates, write the MAUS export
  stability <old-dir> <dir>    compare the yields of two calibrations (exit 1 on failure)
  export <dir>                 write the MAUS calibration of dir
  config                       print the default calibration config
  serve                        serve the calibration store over HTTP
  migrate <action>             manage the calibration store schema
  version                      print the version
  help                         show this help

Run 'adccal <command> -h' for the options of a command.
`)
}

// commonFlags are shared by the commands that read a calibration directory.
type commonFlags struct {
	config  *string
	dbPath  *string
	verbose *bool
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		config:  fs.String("config", "", "calibration config JSON (defaults when empty)"),
		dbPath:  fs.String("db", "", "record the run in this SQLite database"),
		verbose: fs.Bool("v", true, "log per-channel progress"),
	}
}

func (f commonFlags) load() (*config.CalibrationConfig, error) {
	if !*f.verbose {
		monitoring.SetLogger(nil)
	} else {
		monitoring.SetLogger(log.Printf)
	}
	if *f.config == "" {
		return config.EmptyCalibrationConfig(), nil
	}
	return config.LoadCalibrationConfig(*f.config)
}

func parse(fs *flag.FlagSet, args []string, nargs int, usage string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != nargs {
		return fmt.Errorf("usage: adccal %s", usage)
	}
	return nil
}

// record runs fn and, when dbPath is set, stores the run and the resulting
// channel list of dir.
func record(dbPath, command, dir, baseDir string, fn func() (summary interface{}, err error)) error {
	if dbPath == "" {
		_, err := fn()
		return err
	}
	database, err := db.NewDB(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	r, err := database.StartRun(command, dir, baseDir)
	if err != nil {
		return err
	}
	summary, runErr := fn()
	if runErr == nil {
		runErr = recordChannels(database, r, dir)
	}
	if err := database.FinishRun(r, summary, runErr); err != nil {
		monitoring.Logf("failed to finish run %s: %v", r.ID, err)
	}
	if runErr == nil {
		monitoring.Logf("recorded run %s in %s", r.ID, dbPath)
	}
	return runErr
}

func recordChannels(database *db.DB, r *db.Run, dir string) error {
	d, err := frontend.OpenDir(dir)
	if err != nil {
		return err
	}
	chans, err := d.LoadChannels()
	if err != nil {
		return err
	}
	return database.RecordChannels(r.ID, chans)
}

func parseUIDs(s string) ([]int, error) {
	var uids []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		uid, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid channel %q: %w", f, err)
		}
		uids = append(uids, uid)
	}
	return uids, nil
}

func handleCalibrate(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("calibrate", flag.ContinueOnError)
	common := addCommonFlags(fs)
	force := fs.Bool("force-internal", false, "rerun the internal LED loop even if it has run")
	plotDir := fs.String("plots", "", "write channel spectrum plots to this directory")
	plotChannels := fs.String("plot-channels", "", "comma separated ChannelUIDs to plot")
	if err := parse(fs, args, 1, "calibrate [options] <dir>"); err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	uids, err := parseUIDs(*plotChannels)
	if err != nil {
		return err
	}
	dir := fs.Arg(0)

	return record(*common.dbPath, "calibrate", dir, "", func() (interface{}, error) {
		d, err := frontend.OpenDir(dir)
		if err != nil {
			return nil, err
		}
		rep, err := calibrate.New(cfg).Run(ctx, d, calibrate.RunOptions{ForceInternal: *force})
		if err != nil {
			return nil, err
		}
		if rep.External != nil {
			fmt.Fprintf(stdout, "external LED: %s\n", rep.External)
		}
		if rep.Internal != nil {
			fmt.Fprintf(stdout, "internal LED: %s\n", rep.Internal)
		}
		if *plotDir != "" && len(uids) > 0 {
			h, err := d.LoadInternal()
			if err != nil {
				return rep.Internal, err
			}
			if _, err := plots.ChannelSpectra(*plotDir, rep.Channels, h, uids); err != nil {
				return rep.Internal, err
			}
		}
		return map[string]interface{}{"internal": rep.Internal, "external": rep.External, "status": rep.Status}, nil
	})
}

func handleUpdate(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	common := addCommonFlags(fs)
	if err := parse(fs, args, 2, "update [options] <old-dir> <new-dir>"); err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	oldPath, newPath := fs.Arg(0), fs.Arg(1)

	return record(*common.dbPath, "update", newPath, oldPath, func() (interface{}, error) {
		old, err := frontend.OpenDir(oldPath)
		if err != nil {
			return nil, err
		}
		next, err := frontend.OpenDir(newPath)
		if err != nil {
			return nil, err
		}
		rep, err := update.UpdateDir(ctx, old, next, cfg)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(stdout, "update: %d adopted, %d rejected, %d skipped\n", rep.Adopted, rep.Rejected, rep.Skipped)
		return map[string]int{"adopted": rep.Adopted, "rejected": rep.Rejected, "skipped": rep.Skipped}, nil
	})
}

func handlePostprocess(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("postprocess", flag.ContinueOnError)
	common := addCommonFlags(fs)
	plotDir := fs.String("plots", "", "write yield and noise distributions to this directory")
	if err := parse(fs, args, 1, "postprocess [options] <dir>"); err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	dir := fs.Arg(0)

	return record(*common.dbPath, "postprocess", dir, "", func() (interface{}, error) {
		d, err := frontend.OpenDir(dir)
		if err != nil {
			return nil, err
		}
		sum, chans, err := postprocess.Dir(ctx, d, cfg)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(stdout, "postprocess: %d processed, %d skipped\n", sum.Processed, sum.Skipped)
		if *plotDir != "" {
			if err := yieldPlots(*plotDir, chans); err != nil {
				return sum, err
			}
		}
		return sum, nil
	})
}

func yieldPlots(dir string, chans []frontend.Channel) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create plot dir: %w", err)
	}
	for _, y := range []struct {
		file, title string
		value       func(*frontend.Channel) float64
	}{
		{"light_yield.png", "Light yield [p.e.]", func(c *frontend.Channel) float64 { return c.LightYield }},
		{"dark_yield.png", "Dark yield [p.e.]", func(c *frontend.Channel) float64 { return c.DarkYield }},
		{"noise_1pe.png", "1 p.e. noise rate", func(c *frontend.Channel) float64 { return c.Noise1PERate }},
		{"noise_2pe.png", "2 p.e. noise rate", func(c *frontend.Channel) float64 { return c.Noise2PERate }},
	} {
		p, err := plots.Yields(y.title, chans, y.value)
		if err != nil {
			return err
		}
		if err := plots.Save(p, filepath.Join(dir, y.file)); err != nil {
			return err
		}
	}
	return nil
}

func handleStability(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("stability", flag.ContinueOnError)
	common := addCommonFlags(fs)
	plotDir := fs.String("plots", "", "write StabilityCheck.png and .pdf to this directory")
	if err := parse(fs, args, 2, "stability [options] <old-dir> <dir>"); err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	oldPath, newPath := fs.Arg(0), fs.Arg(1)

	var pass bool
	err = record(*common.dbPath, "stability", newPath, oldPath, func() (interface{}, error) {
		old, err := frontend.OpenDir(oldPath)
		if err != nil {
			return nil, err
		}
		next, err := frontend.OpenDir(newPath)
		if err != nil {
			return nil, err
		}
		res, err := stability.CheckDir(old, next, cfg)
		if err != nil {
			return nil, err
		}
		fmt.Fprintln(stdout, res.Dark)
		fmt.Fprintln(stdout, res.Light)
		if *plotDir != "" {
			if _, err := plots.StabilityCheck(res, *plotDir); err != nil {
				return nil, err
			}
		}
		pass = res.Pass
		return map[string]interface{}{"pass": res.Pass, "compared": res.Compared, "skipped": res.Skipped}, nil
	})
	if err != nil {
		return err
	}
	if !pass {
		return errUnstable
	}
	fmt.Fprintln(stdout, "stability check passed")
	return nil
}

func handleExport(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	common := addCommonFlags(fs)
	out := fs.String("o", "", "output file (stdout when empty)")
	if err := parse(fs, args, 1, "export [options] <dir>"); err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	d, err := frontend.OpenDir(fs.Arg(0))
	if err != nil {
		return err
	}
	chans, err := d.LoadChannels()
	if err != nil {
		return err
	}
	if *out == "" {
		return frontend.WriteMAUS(stdout, chans, cfg.GetExportGainMin(), cfg.GetExportGainMax())
	}
	return frontend.ExportMAUS(*out, chans, cfg.GetExportGainMin(), cfg.GetExportGainMax())
}

func handleConfig(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	if err := parse(fs, args, 0, "config"); err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(config.DefaultCalibrationConfig())
}

func handleServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	dbPath := fs.String("db", "adccal.db", "SQLite database")
	listen := fs.String("listen", ":8080", "listen address")
	if err := parse(fs, args, 0, "serve [-db path] [-listen addr]"); err != nil {
		return err
	}
	database, err := db.NewDB(*dbPath)
	if err != nil {
		return err
	}
	defer database.Close()
	gin.SetMode(gin.ReleaseMode)
	return api.NewServer(database).ListenAndServe(ctx, *listen)
}

func handleMigrate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dbPath := fs.String("db", "adccal.db", "SQLite database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return db.RunMigrateCommand(stdout, fs.Args(), *dbPath)
}
