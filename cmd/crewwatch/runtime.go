package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/crewwatch"
	"pkt.systems/crewwatch/apiclient"
	"pkt.systems/crewwatch/internal/appconfig"
	"pkt.systems/crewwatch/internal/credentials"
	"pkt.systems/crewwatch/internal/persist"
	"pkt.systems/crewwatch/internal/relay"
	"pkt.systems/crewwatch/livestream"
	"pkt.systems/pslog"
)

// runtime bundles what most commands need: config, logger and credentials.
type runtime struct {
	cfg    appconfig.Config
	log    pslog.Logger
	store  *credentials.FileStore
	tokens credentials.Source
}

func loadRuntime(cmd *cobra.Command, cfgPath string) (*runtime, error) {
	cfg, err := appconfig.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger := pslog.Ctx(cmd.Context())
	store, err := credentials.NewFileStore(cfg.Credentials.StorePath, cfg.Credentials.TokenFile, logger)
	if err != nil {
		return nil, err
	}
	return &runtime{
		cfg:    cfg,
		log:    logger,
		store:  store,
		tokens: credentials.Chain{credentials.Env{}, store},
	}, nil
}

// envToken reports whether the token comes from the environment, in which
// case refreshed tokens are not written to the store.
func envToken() bool {
	return strings.TrimSpace(os.Getenv(credentials.EnvToken)) != ""
}

func (r *runtime) api() (*apiclient.Client, error) {
	cfg := apiclient.Config{
		BaseURL: r.cfg.API.BaseURL,
		Tokens:  r.tokens,
		Timeout: r.cfg.API.Timeout(),
		Logger:  r.log,
	}
	if !envToken() {
		cfg.Saver = r.store
	}
	return apiclient.New(cfg)
}

func (r *runtime) streamConfig() livestream.Config {
	cfg := livestream.DefaultConfig()
	cfg.BaseURL = r.cfg.API.BaseURL
	cfg.Tokens = r.tokens
	cfg.AutoReconnect = r.cfg.Stream.AutoReconnect
	cfg.ReconnectInterval = r.cfg.Stream.ReconnectInterval()
	cfg.ReconnectAttempts = r.cfg.Stream.ReconnectAttempts
	cfg.HandshakeTimeout = r.cfg.Stream.HandshakeTimeout()
	cfg.Logger = r.log
	return cfg
}

// openJournal opens the configured journal and prunes records past retention.
// It returns nil when the journal is disabled.
func (r *runtime) openJournal(ctx context.Context) (*persist.Journal, error) {
	if strings.TrimSpace(r.cfg.Journal.Path) == "" {
		return nil, nil
	}
	journal, err := persist.Open(ctx, r.cfg.Journal.Path, r.log)
	if err != nil {
		return nil, err
	}
	if days := r.cfg.Journal.RetentionDays; days > 0 {
		cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
		if _, err := journal.Prune(ctx, cutoff); err != nil {
			r.log.Warn("journal prune failed", "err", err)
		}
	}
	return journal, nil
}

// sinks returns the persistence sinks enabled in config and a close func.
func (r *runtime) sinks(ctx context.Context) ([]crewwatch.EventSink, func(), error) {
	var sinks []crewwatch.EventSink
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	journal, err := r.openJournal(ctx)
	if err != nil {
		return nil, closeAll, err
	}
	if journal != nil {
		sinks = append(sinks, crewwatch.JournalSink{Journal: journal, Logger: r.log})
		closers = append(closers, func() { _ = journal.Close() })
	}
	if url := strings.TrimSpace(r.cfg.Relay.RedisURL); url != "" {
		pub, err := relay.New(url, r.cfg.Relay.ChannelPrefix, r.log)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		if err := pub.Ping(ctx); err != nil {
			r.log.Warn("relay unavailable", "err", err)
		}
		sinks = append(sinks, crewwatch.RelaySink{Publisher: pub})
		closers = append(closers, func() { _ = pub.Close() })
	}
	return sinks, closeAll, nil
}
