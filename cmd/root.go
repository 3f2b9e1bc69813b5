package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"streamfetch/engine"
	"streamfetch/internal"
	"streamfetch/ledger"
	"streamfetch/media"
	"streamfetch/source"
	"streamfetch/utils"
)

var (
	cfgDir    string
	folder    string
	quality   int
	workers   int
	rateLimit string
	proxyURL  string
	quiet     bool
	verbose   bool

	clientID     string
	clientSecret string
	searchLimit  int
)

var rootCmd = &cobra.Command{
	Use:     "streamfetch [OPTIONS] <URL>...",
	Short:   "Download tracks, albums, playlists and artist catalogs from your streaming account",
	Version: "v1.0.0",
	Long: `streamfetch downloads media you have access to through your own streaming
subscription. Paste one or more share links and it resolves them, walks any
listings, and writes tagged files into your library folder. Finished items
are remembered, so re-running a link only fetches what is missing.

Examples:
  streamfetch https://tidal.com/browse/album/110827651
  streamfetch -q 2 --folder ~/Music https://tidal.com/browse/artist/3565284
  streamfetch id track 110827652
  streamfetch auth --client-id ID --client-secret SECRET

Respect the service's Terms of Service and your local copyright laws.`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		items := make([]internal.PendingItem, 0, len(args))
		for _, arg := range args {
			item, err := source.ParseRef(arg)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		return runItems(cmd, items)
	},
}

var idCmd = &cobra.Command{
	Use:   "id <kind> <id>",
	Short: "Download a single item by kind and backend identifier",
	Long: `Download one item without a share link. Kind is one of track, album,
playlist, artist, video or user.

Examples:
  streamfetch id track 110827652
  streamfetch id playlist 550cef10-b084-4b37-a671-9e3b2a79c40c`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		item, err := source.ParseID(args[0], args[1])
		if err != nil {
			return err
		}
		return runItems(cmd, []internal.PendingItem{item})
	},
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Log in with a device code and save the session",
	Long: `Run the OAuth2 device flow: a link is printed, you approve the device in a
browser, and the resulting tokens are written to the config file. The client
id and secret are only needed once; later logins reuse the saved ones.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAuth(cmd)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <kind> <query>...",
	Short: "Search the catalog and print matching ids",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSearch(cmd, args)
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect or reset the completion ledger",
}

var ledgerStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show how many items are recorded as downloaded or failed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("downloaded: %d\nfailed:     %d\n", stats.Done, stats.Failed)
		return nil
	},
}

var ledgerClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every record so all items become eligible again",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Clear(); err != nil {
			return err
		}
		fmt.Println("ledger cleared")
		return nil
	},
}

var ledgerForgetCmd = &cobra.Command{
	Use:   "forget <kind> <id>",
	Short: "Remove one item's record so it is downloaded again",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := internal.ParseMediaKind(args[0])
		if err != nil {
			return err
		}
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		key := internal.ItemKey{Backend: "tidal", Kind: kind, ID: args[1]}
		if err := db.Forget(key); err != nil {
			return err
		}
		fmt.Printf("forgot %s\n", key)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgDir, "config", "", "Config directory (default per-OS location)")
	rootCmd.PersistentFlags().StringVarP(&folder, "folder", "f", "", "Library folder downloads land in")
	rootCmd.PersistentFlags().IntVarP(&quality, "quality", "q", 3, "Audio quality tier: 0 low, 1 high, 2 lossless, 3 hi-res")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", 4, "Concurrent download workers (1-16)")
	rootCmd.PersistentFlags().StringVarP(&rateLimit, "limit-rate", "r", "", "Bandwidth limit, e.g. 5M for 5 MB/s")
	rootCmd.PersistentFlags().StringVar(&proxyURL, "proxy", "", "HTTP or SOCKS5 proxy URL")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress progress output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	authCmd.Flags().StringVar(&clientID, "client-id", "", "Application client id")
	authCmd.Flags().StringVar(&clientSecret, "client-secret", "", "Application client secret")

	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 20, "Maximum number of results")

	ledgerCmd.AddCommand(ledgerStatsCmd, ledgerClearCmd, ledgerForgetCmd)
	rootCmd.AddCommand(idCmd, authCmd, searchCmd, ledgerCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// app bundles the wired pipeline for one run.
type app struct {
	cfg          *internal.Config
	logger       zerolog.Logger
	ledger       *ledger.Ledger
	registry     *source.Registry
	orchestrator *engine.Orchestrator
}

// runItems drives a download run end to end: submit everything, then drain
// the event stream until the pipeline reports every item settled.
func runItems(cmd *cobra.Command, items []internal.PendingItem) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, cleanup, err := buildApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	a.orchestrator.Start(ctx)

	submitted := 0
	for _, item := range items {
		if err := a.orchestrator.Submit(item); err != nil {
			a.logger.Error().Err(err).Str("item", item.Key().String()).Msg("submission failed")
			continue
		}
		submitted++
	}
	if submitted == 0 {
		return fmt.Errorf("nothing to download")
	}

	go a.orchestrator.AwaitDrain()

	var done, skipped, failed int
	for event := range a.orchestrator.Events() {
		switch event.Outcome {
		case internal.OutcomeDone:
			done++
		case internal.OutcomeSkipped:
			skipped++
		case internal.OutcomeFailed:
			failed++
			a.logger.Error().
				Str("kind", string(event.Kind)).
				Str("id", event.ID).
				Str("title", event.Title).
				Str("reason", event.Err).
				Msg("item failed")
		}
	}

	if ctx.Err() != nil {
		return fmt.Errorf("interrupted")
	}
	if !quiet {
		fmt.Printf("Finished: %d downloaded, %d skipped, %d failed\n", done, skipped, failed)
	}
	if failed > 0 {
		return fmt.Errorf("%d item(s) failed", failed)
	}
	return nil
}

// buildApp loads config, applies flag overrides and wires every component of
// the pipeline together. The stored session is checked up front so a stale
// token surfaces before any work is queued.
func buildApp(ctx context.Context, cmd *cobra.Command) (*app, func(), error) {
	manager := internal.NewConfigManager(cfgDir)
	cfg, err := manager.Load()
	if err != nil {
		return nil, nil, err
	}
	applyOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := internal.NewLogger(cfg.Logging, quiet)
	if err != nil {
		return nil, nil, err
	}

	tokens := cfg.Tidal.Tokens()
	if tokens.AccessToken == "" && tokens.RefreshToken == "" {
		return nil, nil, fmt.Errorf("no session on file, run \"streamfetch auth\" first")
	}
	if cfg.Tidal.ClientID == "" || cfg.Tidal.ClientSecret == "" {
		return nil, nil, fmt.Errorf("client credentials missing from config, run \"streamfetch auth\" first")
	}

	apiClient, err := utils.NewClient(utils.ClientConfig{
		Timeout:   time.Duration(cfg.Network.RequestTimeout) * time.Second,
		ProxyURL:  cfg.Network.Proxy,
		UserAgent: cfg.Network.UserAgent,
	})
	if err != nil {
		return nil, nil, err
	}
	// Transfers stream for minutes; they get a client with no overall
	// deadline and rely on context cancellation instead.
	transferClient, err := utils.NewClient(utils.ClientConfig{
		ProxyURL:  cfg.Network.Proxy,
		UserAgent: cfg.Network.UserAgent,
	})
	if err != nil {
		return nil, nil, err
	}

	authenticator := source.NewTidalAuthenticator(cfg.Tidal.ClientID, cfg.Tidal.ClientSecret, apiClient, logger)
	authManager := source.NewAuthManager(tokens, authenticator, manager, 10*time.Minute, logger)
	if err := ensureSession(ctx, authManager, authenticator, manager, logger); err != nil {
		return nil, nil, fmt.Errorf("session check failed: %w", err)
	}
	tokens = authManager.Tokens()
	gate := source.NewRateGate(cfg.Network.MaxConcurrency, cfg.Network.RequestsPerMinute, logger)
	executor := source.NewExecutor("tidal", apiClient, gate, authManager, source.RetryPolicy{
		MaxAttempts:    cfg.Network.MaxAttempts,
		PerCallTimeout: time.Duration(cfg.Network.RequestTimeout) * time.Second,
	}, logger)

	countryCode := tokens.CountryCode
	if countryCode == "" {
		countryCode = cfg.Tidal.CountryCode
	}
	tidal := source.NewTidalBackend(executor, authManager, transferClient, countryCode, cfg.Tidal.Quality, logger)

	registry := source.NewRegistry()
	registry.Register(tidal)

	ledgerDB, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, nil, err
	}

	limitBytes, err := utils.ParseByteRate(cfg.Download.BandwidthLimit)
	if err != nil {
		ledgerDB.Close()
		return nil, nil, fmt.Errorf("invalid bandwidth limit: %w", err)
	}
	var limiter *utils.ByteRateLimiter
	if limitBytes > 0 {
		limiter = utils.NewByteRateLimiter(limitBytes)
	}

	// One bar per transfer only renders sanely when one transfer runs at a
	// time; with more workers the log stream carries progress instead.
	barsQuiet := quiet || cfg.Download.Workers > 1

	resolver := engine.NewResolver(engine.ResolverConfig{
		Registry:         registry,
		Pager:            source.NewPaginatedFetcher(100, cfg.Download.PageConcurrency, logger),
		Ledger:           ledgerDB,
		Planner:          media.NewPlanner(cfg.Download.Folder),
		Transfer:         engine.NewTransfer(transferClient, limiter, barsQuiet, logger),
		Artwork:          media.NewArtworkFetcher(transferClient, cfg.Download.ArtworkSize, logger),
		EmbedArtwork:     cfg.Download.EmbedArtwork,
		ArtworkSize:      cfg.Download.ArtworkSize,
		TrackConcurrency: cfg.Download.TrackConcurrency,
		Logger:           logger,
	})
	orchestrator := engine.NewOrchestrator(resolver, cfg.Download.Workers, cfg.Download.QueueSize, logger)

	cleanup := func() {
		if err := ledgerDB.Close(); err != nil {
			logger.Warn().Err(err).Msg("ledger close failed")
		}
	}
	return &app{
		cfg:          cfg,
		logger:       logger,
		ledger:       ledgerDB,
		registry:     registry,
		orchestrator: orchestrator,
	}, cleanup, nil
}

// ensureSession mirrors the interactive login flow at startup. A token
// within a day of expiry is renewed before any work is queued so it cannot
// run out mid-batch; otherwise the stored session is validated once and
// missing user metadata adopted from it.
func ensureSession(ctx context.Context, auth *source.AuthManager, authenticator *source.TidalAuthenticator, store internal.TokenStore, logger zerolog.Logger) error {
	tokens := auth.Tokens()
	if !tokens.Valid(24 * time.Hour) {
		return auth.Refresh(ctx)
	}

	userID, country, err := authenticator.Session(ctx, tokens.AccessToken)
	if err != nil {
		if internal.IsKind(err, internal.ErrAuthExpired) {
			logger.Info().Msg("stored token rejected, refreshing")
			return auth.Refresh(ctx)
		}
		return err
	}
	adopted := false
	if tokens.UserID == "" && userID != "" {
		tokens.UserID = userID
		adopted = true
	}
	if tokens.CountryCode == "" && country != "" {
		tokens.CountryCode = country
		adopted = true
	}
	if !adopted {
		return nil
	}
	auth.SetTokens(tokens)
	if err := store.SaveTokens(tokens); err != nil {
		logger.Warn().Err(err).Msg("session metadata not persisted")
	}
	return nil
}

// applyOverrides folds explicitly set flags over the loaded config.
func applyOverrides(cmd *cobra.Command, cfg *internal.Config) {
	flags := cmd.Flags()
	if flags.Changed("folder") {
		cfg.Download.Folder = folder
	}
	if flags.Changed("quality") {
		cfg.Tidal.Quality = quality
	}
	if flags.Changed("workers") {
		cfg.Download.Workers = workers
	}
	if flags.Changed("limit-rate") {
		cfg.Download.BandwidthLimit = rateLimit
	}
	if flags.Changed("proxy") {
		cfg.Network.Proxy = proxyURL
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
}

func runAuth(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := internal.NewConfigManager(cfgDir)
	cfg, err := manager.Load()
	if err != nil {
		return err
	}
	applyOverrides(cmd, cfg)

	id, secret := cfg.Tidal.ClientID, cfg.Tidal.ClientSecret
	if clientID != "" {
		id = clientID
	}
	if clientSecret != "" {
		secret = clientSecret
	}
	if id == "" || secret == "" {
		return fmt.Errorf("--client-id and --client-secret are required for the first login")
	}

	logger, err := internal.NewLogger(cfg.Logging, quiet)
	if err != nil {
		return err
	}
	client, err := utils.NewClient(utils.ClientConfig{
		Timeout:   time.Duration(cfg.Network.RequestTimeout) * time.Second,
		ProxyURL:  cfg.Network.Proxy,
		UserAgent: cfg.Network.UserAgent,
	})
	if err != nil {
		return err
	}

	authenticator := source.NewTidalAuthenticator(id, secret, client, logger)
	dev, err := authenticator.StartDeviceFlow(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Visit https://%s to approve this device (code %s).\n", dev.VerificationURI, dev.UserCode)
	fmt.Printf("Waiting for approval, the code expires in %d seconds...\n", dev.ExpiresIn)

	tokens, err := authenticator.PollDeviceFlow(ctx, dev)
	if err != nil {
		return err
	}
	if err := manager.SaveCredentials(id, secret, tokens); err != nil {
		return fmt.Errorf("login succeeded but saving the session failed: %w", err)
	}

	fmt.Printf("Logged in as user %s (%s). Session saved under %s.\n", tokens.UserID, tokens.CountryCode, manager.Dir())
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kind, err := internal.ParseMediaKind(args[0])
	if err != nil {
		return err
	}
	query := strings.Join(args[1:], " ")

	a, cleanup, err := buildApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	backend, err := a.registry.Get("tidal")
	if err != nil {
		return err
	}
	searcher, ok := backend.(internal.Searcher)
	if !ok {
		return fmt.Errorf("backend %s does not support search", backend.Name())
	}

	results, err := searcher.Search(ctx, kind, query, searchLimit)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no results")
		return nil
	}
	for _, raw := range results {
		fmt.Println(formatResult(raw))
	}
	return nil
}

// formatResult renders one search hit as "id  label". Only the common
// fields are read, so every result kind prints something useful.
func formatResult(raw internal.RawItem) string {
	var head struct {
		ID     json.Number `json:"id"`
		UUID   string      `json:"uuid"`
		Title  string      `json:"title"`
		Name   string      `json:"name"`
		Artist struct {
			Name string `json:"name"`
		} `json:"artist"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "(unreadable result)"
	}

	id := head.ID.String()
	if id == "" {
		id = head.UUID
	}
	label := head.Name
	if label == "" {
		label = head.Title
	}
	if head.Artist.Name != "" {
		label = head.Artist.Name + " - " + label
	}
	return fmt.Sprintf("%-40s %s", id, label)
}

func openLedger() (*ledger.Ledger, error) {
	manager := internal.NewConfigManager(cfgDir)
	cfg, err := manager.Load()
	if err != nil {
		return nil, err
	}
	return ledger.Open(cfg.Ledger.Path)
}
