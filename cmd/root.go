package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/knpwrs/dropboxdl/internal/config"
	"github.com/knpwrs/dropboxdl/internal/downloader"
	"github.com/knpwrs/dropboxdl/internal/fetcher"
	"github.com/knpwrs/dropboxdl/internal/link"
	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var errNoLinks = goerr.New("no links specified")

// options holds every flag of the root command.
type options struct {
	links        []string
	read         string
	dest         string
	unzip        bool
	retainZip    bool
	userAgent    string
	retries      int
	timeout      time.Duration
	limitRate    int64
	allowAnyHost bool
	configFile   string
	envFile      string
	verbose      bool
	noColor      bool
	log          config.Logger
}

var rootCmd = newRootCmd()

// newRootCmd builds the base command.
//
// This CLI tool downloads publicly shared Dropbox folders as zip archives,
// one link at a time, and can unpack them in place.
func newRootCmd() *cobra.Command {
	o := &options{}

	cmd := &cobra.Command{
		Use:   "dropboxdl [LINK...]",
		Short: "Download public Dropbox folders as zip files",
		Long: `dropboxdl downloads publicly shared Dropbox folder links as zip archives.

Links can be given as arguments, with --links, or read from a text file with
--read (one link per line, "-" for stdin). Each link produces one archive in the
destination directory. With --unzip the archive is extracted into a directory
named after it and deleted afterwards, unless --retain_zip is set.`,
		Example: `  # Download a shared folder to the current directory
  dropboxdl --links "https://www.dropbox.com/sh/abc/def?dl=0"

  # Download every link listed in a file into ./backups
  dropboxdl --read links.txt --dest ./backups

  # Download and extract, keeping the zip files
  dropboxdl --read links.txt --unzip --retain_zip

  # Read links from stdin
  cat links.txt | dropboxdl --read -`,
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return o.applyDefaults(cmd, args)
		},
		RunE: o.run,
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	f := cmd.Flags()
	f.StringSliceVar(&o.links, "links", nil, "Download links (repeatable or comma-separated)")
	f.StringVar(&o.read, "read", "", "Read links from `file.txt`, one per line (\"-\" for stdin)")
	f.StringVar(&o.dest, "dest", cwd, "Download directory")
	f.BoolVar(&o.unzip, "unzip", false, "Unzip downloaded zipfiles into folders and delete zipfiles")
	f.BoolVar(&o.retainZip, "retain_zip", false, "Don't delete zipfiles after unzipping when --unzip is used")
	f.StringVar(&o.userAgent, "user-agent", fetcher.DefaultUserAgent, "User-Agent header")
	f.IntVar(&o.retries, "retries", fetcher.DefaultOptions().MaxRetries, "Maximum retries per link on network and server errors")
	f.DurationVar(&o.timeout, "timeout", fetcher.DefaultOptions().Timeout, "Time to wait for the server to respond")
	f.Int64Var(&o.limitRate, "limit-rate", 0, "Limit download speed in bytes per second (0 = unlimited)")
	f.BoolVar(&o.allowAnyHost, "allow-any-host", false, "Accept links that are not on "+link.Host)
	f.StringVar(&o.configFile, "config", "", "TOML configuration file")
	f.StringVar(&o.envFile, "env-file", ".env", "Dotenv file with DROPBOXDL_* defaults")
	f.StringVar(&o.log.Level, "log-level", "info", "Log level (debug, info, warn, error)")
	f.BoolVar(&o.log.JSON, "log-json", false, "Output logs in JSON format")
	f.BoolVar(&o.noColor, "no-color", false, "Disable colored output")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "Verbose logging (same as --log-level debug)")

	cmd.MarkFlagsMutuallyExclusive("links", "read")

	return cmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
//
// This is called by main.main(). It only needs to happen once to the rootCmd.
// SIGINT and SIGTERM cancel the running download.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// applyDefaults fills flags the user did not set, first from the
// environment and then from the config file, so the config file wins over
// the environment and explicit flags win over both. Links given on the
// command line, as flags or arguments, replace the config file's links.
func (o *options) applyDefaults(cmd *cobra.Command, args []string) error {
	if err := config.LoadEnv(o.envFile); err != nil {
		return err
	}

	f := cmd.Flags()
	if !f.Changed("dest") {
		o.dest = config.Getenv(config.EnvDest, o.dest)
	}
	if !f.Changed("user-agent") {
		o.userAgent = config.Getenv(config.EnvUserAgent, o.userAgent)
	}
	if !f.Changed("log-level") {
		o.log.Level = config.Getenv(config.EnvLogLevel, o.log.Level)
	}
	if !f.Changed("limit-rate") {
		if v := config.Getenv(config.EnvLimitRate, ""); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return goerr.Wrap(err, "invalid "+config.EnvLimitRate, goerr.V("value", v))
			}
			o.limitRate = n
		}
	}

	if o.configFile == "" {
		return nil
	}

	file, err := config.LoadFile(o.configFile)
	if err != nil {
		return err
	}
	if file.Dest != nil && !f.Changed("dest") {
		o.dest = *file.Dest
	}
	if file.Unzip != nil && !f.Changed("unzip") {
		o.unzip = *file.Unzip
	}
	if file.RetainZip != nil && !f.Changed("retain_zip") {
		o.retainZip = *file.RetainZip
	}
	if file.UserAgent != nil && !f.Changed("user-agent") {
		o.userAgent = *file.UserAgent
	}
	if file.Retries != nil && !f.Changed("retries") {
		o.retries = *file.Retries
	}
	if d, ok := file.TimeoutDuration(); ok && !f.Changed("timeout") {
		o.timeout = d
	}
	if file.LimitRate != nil && !f.Changed("limit-rate") {
		o.limitRate = *file.LimitRate
	}
	if file.AllowAnyHost != nil && !f.Changed("allow-any-host") {
		o.allowAnyHost = *file.AllowAnyHost
	}
	if len(file.Links) > 0 && len(args) == 0 && !f.Changed("links") && !f.Changed("read") {
		o.links = file.Links
	}

	return nil
}

// run is the main execution function for the root command.
func (o *options) run(cmd *cobra.Command, args []string) error {
	if o.verbose {
		o.log.Level = "debug"
	}

	stderr := cmd.ErrOrStderr()
	tty := isTerminal(stderr)
	o.log.Color = tty && !o.noColor

	logger, err := o.log.Configure(stderr)
	if err != nil {
		return err
	}

	if o.read != "" && len(args) > 0 {
		return goerr.New("links given as arguments cannot be combined with --read")
	}

	links, err := o.gatherLinks(cmd, args)
	if err != nil {
		logger.Error("Unable to read links", "file", o.read, "error", err)
		return err
	}
	if len(links) == 0 {
		logger.Error("No options specified, use --help for available options")
		return errNoLinks
	}

	logger.Info("Specified download location", "dest", o.dest)
	logger.Debug("Download settings",
		"links", len(links),
		"user_agent", o.userAgent,
		"retries", o.retries,
		"timeout", o.timeout.String(),
		"limit_rate", o.limitRate,
	)

	if o.unzip {
		if o.retainZip {
			logger.Info("zipfiles will not be deleted after unzipping")
		} else {
			logger.Info("--unzip was used without --retain_zip, zipfiles will be deleted after unzipping")
		}
	} else if o.retainZip {
		logger.Warn("--retain_zip has no effect without --unzip")
	}

	fetcherOpts := fetcher.DefaultOptions()
	fetcherOpts.UserAgent = o.userAgent
	fetcherOpts.MaxRetries = o.retries
	fetcherOpts.Timeout = o.timeout
	fetcherOpts.RateLimit = o.limitRate
	if level, _ := config.ParseLevel(o.log.Level); level <= slog.LevelDebug {
		fetcherOpts.Logger = logger
	}

	dl := downloader.New(downloader.Config{
		Dest:         o.dest,
		Unzip:        o.unzip,
		RetainZip:    o.retainZip,
		AllowAnyHost: o.allowAnyHost,
		Fetcher:      fetcherOpts,
		Logger:       logger,
		Out:          stderr,
		Progress:     tty,
		Color:        o.log.Color,
	})

	if _, err := dl.DownloadAll(cmd.Context(), links); err != nil {
		logger.Error("Download failed", slog.Any("error", err))
		return err
	}

	return nil
}

// gatherLinks collects links from arguments, --links, or the --read file.
func (o *options) gatherLinks(cmd *cobra.Command, args []string) ([]string, error) {
	links := append(append([]string{}, o.links...), args...)

	if o.read != "" {
		var r io.Reader
		if o.read == "-" {
			r = cmd.InOrStdin()
		} else {
			file, err := os.Open(o.read)
			if err != nil {
				return nil, goerr.Wrap(err, "failed to open links file", goerr.V("path", o.read))
			}
			defer file.Close()
			r = file
		}

		read, err := link.Read(r)
		if err != nil {
			return nil, err
		}
		links = append(links, read...)
	}

	return link.Unique(links), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
