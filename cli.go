package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type cliFlags struct {
	configPath string
	apiToken   string
	asn        string
	logLevel   string
	httpPort   int
}

func newRootCommand() *cobra.Command {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:           "killswitch",
		Short:         "Reports over HTTP whether the public address is routed through the expected VPN provider",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", DefaultConfigPath, "path to the YAML config file")
	pf.StringVarP(&flags.apiToken, "api-token", "t", "", "ipinfo.io API token")
	pf.StringVarP(&flags.asn, "asn", "a", "", "expected ASN of the VPN provider")
	pf.StringVarP(&flags.logLevel, "log-level", "l", "", "log level (error, warn, info, debug, trace)")
	pf.IntVarP(&flags.httpPort, "http-port", "p", 0, "HTTP listen port")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the gate poller, the ASN database refresher and the HTTP server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd, flags)
			},
		},
		newVerifyCommand(flags),
		newLookupCommand(flags),
		newRefreshCommand(flags),
	)
	return root
}

// loadConfig applies command line flags on top of ParseConfig, so flags win
// over the environment and the file.
func loadConfig(cmd *cobra.Command, flags *cliFlags, serve bool) (*Config, error) {
	conf, err := ParseConfig(flags.configPath)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("api-token") {
		conf.Gate.APIToken = flags.apiToken
	}
	if f.Changed("asn") {
		conf.Gate.Rule.ExpectedASN = flags.asn
	}
	if f.Changed("log-level") {
		conf.LogLevel = flags.logLevel
	}
	if f.Changed("http-port") {
		conf.HTTPPort = flags.httpPort
	}

	if err := setupLogging(conf.LogLevel); err != nil {
		return nil, err
	}
	if err := conf.Validate(serve); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return conf, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, flags *cliFlags) error {
	conf, err := loadConfig(cmd, flags, true)
	if err != nil {
		return err
	}
	startPprof(conf.PprofListen)

	ctx, stop := signalContext(cmd)
	defer stop()

	var (
		storage   *AsnStorage
		refresher *Refresher
	)
	if !conf.AsnDB.Disabled {
		storage, err = OpenAsnStorage(ctx, conf.AsnDB.Path)
		if err != nil {
			return err
		}
		defer closeStorage(storage)

		source, err := BuildAsnFeedSource(conf)
		if err != nil {
			return err
		}
		refresher = NewRefresher(storage, source, RefresherOptions{
			Threshold:     conf.AsnDB.Staleness,
			CheckInterval: conf.AsnDB.CheckInterval,
			RetryDelay:    conf.AsnDB.RetryDelay,
		})
	}

	provider, err := BuildProvider(conf.Gate.Provider, conf.Gate.APIToken)
	if err != nil {
		return err
	}
	opts := PollerOptions{
		Interval:      conf.Gate.PollInterval,
		Timeout:       conf.Gate.Timeout,
		RetryDelay:    conf.Gate.RetryDelay,
		MaxRetryDelay: conf.Gate.MaxRetryDelay,
	}
	if storage != nil && conf.Gate.EnrichFromAsnDB {
		opts.Enricher = storage
	}

	cache := NewGateCache()
	poller := NewPoller(newHTTPClient(conf.Gate.Timeout), provider, cache, opts)
	gate := NewGate(cache, conf.Gate.Rule, conf.Gate.Freshness)

	gin.SetMode(gin.ReleaseMode)
	server := NewServer(conf, gate, storage)

	logrus.WithFields(logrus.Fields{
		"version":   Version,
		"provider":  provider.Name(),
		"rule":      conf.Gate.Rule.String(),
		"freshness": conf.Gate.Freshness,
	}).Info("starting the vpn kill switch")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		// once the poller is gone for good nothing feeds the cache anymore
		defer cache.Detach()
		supervise(ctx, "gate-poller", poller.Run)
	}()
	go func() {
		defer wg.Done()
		supervise(ctx, "http-server", server.Run)
	}()
	if refresher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			supervise(ctx, "asndb-refresher", refresher.Run)
		}()
	}

	<-ctx.Done()
	logrus.Info("shutdown requested, waiting for the tasks to stop")
	wg.Wait()
	logrus.Info("bye")
	return nil
}

func closeStorage(storage *AsnStorage) {
	if err := storage.Close(); err != nil {
		logrus.WithError(err).Warn("unable to close the asn database")
	}
}

func newVerifyCommand(flags *cliFlags) *cobra.Command {
	var (
		providers []string
		localDB   bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Cross-check the public address with every lookup provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(cmd, flags, false)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("providers") {
				conf.Consensus.Providers = providers
			}

			ctx, stop := signalContext(cmd)
			defer stop()
			return runVerify(ctx, cmd, conf, localDB && !conf.AsnDB.Disabled)
		},
	}
	cmd.Flags().StringSliceVar(&providers, "providers", nil, "providers to query (default: all usable)")
	cmd.Flags().BoolVar(&localDB, "local-db", false, "also check the ASN against the local ASN database")
	return cmd
}

func runVerify(ctx context.Context, cmd *cobra.Command, conf *Config, localDB bool) error {
	providers, err := BuildProviders(conf.Consensus.Providers, conf.Gate.APIToken)
	if err != nil {
		return err
	}
	resolver := NewConsensusResolver(newHTTPClient(conf.Consensus.Timeout), providers, conf.Consensus.Timeout)

	var local AsnResolver
	if localDB {
		storage, err := OpenAsnStorage(ctx, conf.AsnDB.Path)
		if err != nil {
			return err
		}
		defer closeStorage(storage)
		local = storage
	}
	return verifyPublicIP(ctx, cmd.OutOrStdout(), resolver, local, conf.Gate.Rule)
}

// verifyPublicIP resolves the public address by consensus, optionally checks
// the ASN against local, and applies rule when it names an ASN.
func verifyPublicIP(ctx context.Context, out io.Writer, resolver *ConsensusResolver, local AsnResolver, rule GateRule) error {
	result, err := resolver.Resolve(ctx)
	if err != nil {
		return err
	}
	record := result.Record

	fmt.Fprintf(out, "public ip: %s\n", record.IP)
	fmt.Fprintf(out, "asn:       %s\n", displayASN(record.ASN))
	fmt.Fprintf(out, "agreeing:  %s\n", strings.Join(result.Agreeing, ", "))
	if len(result.Failed) > 0 {
		fmt.Fprintf(out, "failed:    %s\n", summarizeFailures(result.Failed))
	}

	if local != nil {
		r, ok := local.LookupAddr(record.IP)
		switch {
		case !ok:
			fmt.Fprintln(out, "local db:  not found")
		case !record.HasASN():
			record.ASN = r.ASNString()
			fmt.Fprintf(out, "local db:  %s (used as the asn)\n", displayASN(record.ASN))
		case !strings.EqualFold(normalizeASN(record.ASN), r.ASNString()):
			return &ConsensusMismatchError{
				Field:       "asn",
				Source:      record.Source,
				Value:       record.ASN,
				OtherSource: "asndb",
				OtherValue:  r.ASNString(),
			}
		default:
			fmt.Fprintf(out, "local db:  %s\n", displayASN(r.ASNString()))
		}
	}

	if rule.ExpectedASN == "" {
		return nil
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if !rule.Allows(record) {
		return errors.Errorf("VPN off: asn %s does not match %s", displayASN(record.ASN), rule)
	}
	fmt.Fprintf(out, "VPN on: %s\n", rule)
	return nil
}

func newLookupCommand(flags *cliFlags) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "lookup <ip>...",
		Short: "Look addresses up in the local ASN database",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(cmd, flags, false)
			if err != nil {
				return err
			}
			keys := make([]uint32, len(args))
			for i, ip := range args {
				if keys[i], err = ipv4toUint32(ip); err != nil {
					return err
				}
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			storage, err := OpenAsnStorage(ctx, conf.AsnDB.Path)
			if err != nil {
				return err
			}
			defer closeStorage(storage)

			if refresh {
				source, err := BuildAsnFeedSource(conf)
				if err != nil {
					return err
				}
				r := NewRefresher(storage, source, RefresherOptions{Threshold: conf.AsnDB.Staleness})
				if _, err := r.RefreshIfStale(ctx); err != nil {
					logrus.WithError(err).Warn("refresh failed, answering from the existing data")
				}
			}

			out := cmd.OutOrStdout()
			for i, r := range storage.LookupMany(keys) {
				if r == nil {
					fmt.Fprintf(out, "%s\tnot found\n", args[i])
					continue
				}
				fmt.Fprintf(out, "%s\tAS%d\t%s-%s\n", args[i], r.ASN, uint32toIPv4String(r.IPStart), uint32toIPv4String(r.IPEnd))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "refresh the database first when it is stale")
	return cmd
}

func newRefreshCommand(flags *cliFlags) *cobra.Command {
	var ifStale bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Replace the local ASN database from the configured feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(cmd, flags, false)
			if err != nil {
				return err
			}
			source, err := BuildAsnFeedSource(conf)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			storage, err := OpenAsnStorage(ctx, conf.AsnDB.Path)
			if err != nil {
				return err
			}
			defer closeStorage(storage)

			r := NewRefresher(storage, source, RefresherOptions{Threshold: conf.AsnDB.Staleness})
			if ifStale {
				refreshed, err := r.RefreshIfStale(ctx)
				if err != nil {
					return err
				}
				if !refreshed {
					logrus.Info("asn database is fresh, nothing to do")
				}
			} else if err := r.Refresh(ctx); err != nil {
				return err
			}

			st := storage.Status()
			fmt.Fprintf(cmd.OutOrStdout(), "%d ranges from %s, updated %s\n", st.Ranges, st.Source, st.LastUpdated.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&ifStale, "if-stale", false, "only refresh when older than the staleness threshold")
	return cmd
}
