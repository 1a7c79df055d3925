// realitycam-agent runs the capture evidence pipeline: it provisions the
// device identity, watches the vault spool, and drives the upload queue
// against the verification backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/LucaDeLeo/realitycam-sub011/internal/attest"
	"github.com/LucaDeLeo/realitycam-sub011/internal/bundle"
	"github.com/LucaDeLeo/realitycam-sub011/internal/capture"
	"github.com/LucaDeLeo/realitycam-sub011/internal/config"
	"github.com/LucaDeLeo/realitycam-sub011/internal/depth"
	"github.com/LucaDeLeo/realitycam-sub011/internal/keystore"
	"github.com/LucaDeLeo/realitycam-sub011/internal/logging"
	"github.com/LucaDeLeo/realitycam-sub011/internal/netwatch"
	"github.com/LucaDeLeo/realitycam-sub011/internal/queue"
	"github.com/LucaDeLeo/realitycam-sub011/internal/transport"
	"github.com/LucaDeLeo/realitycam-sub011/internal/vault"
)

var version = "dev"

func usage() {
	fmt.Println("realitycam-agent - capture evidence pipeline")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  realitycam-agent <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run        Run the agent (spool watcher + upload queue)")
	fmt.Println("  provision  Create or show the device signing identity")
	fmt.Println("  record     Run a synthetic capture session through the pipeline")
	fmt.Println("  status     Show vault usage and queue items")
	fmt.Println("  retry      Retry a failed upload: retry <bundle-id>")
	fmt.Println("  cancel     Cancel a queued upload: cancel <bundle-id>")
	fmt.Println("  purge      Remove completed items from the queue history")
	fmt.Println("  version    Print version")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -config PATH   Configuration file (default: " + config.ConfigPath() + ")")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  REALITYCAM_DATA_DIR     Base state directory")
	fmt.Println("  REALITYCAM_BASE_URL     Verification backend URL")
	fmt.Println("  REALITYCAM_DEVICE_KEY   Upload credential")
	fmt.Println("  REALITYCAM_LOG_LEVEL    Log level override")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = cmdRun(args)
	case "provision":
		err = cmdProvision(args)
	case "record":
		err = cmdRecord(args)
	case "status":
		err = cmdStatus(args)
	case "retry":
		err = cmdRetry(args)
	case "cancel":
		err = cmdCancel(args)
	case "purge":
		err = cmdPurge(args)
	case "version":
		fmt.Printf("realitycam-agent %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses the shared -config flag and loads the file.
func loadConfig(name string, args []string) (*config.Config, []string, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	path := fs.String("config", "", "configuration file path")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(*path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

func initLogging(cfg *config.Config) error {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return err
	}
	return logging.Init(&logging.Config{
		Level:     level,
		Format:    format,
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		Component: "agent",
	})
}

type agentStores struct {
	keys  *keystore.FileKeystore
	vault *vault.Store
	queue *queue.Store
}

func openStores(cfg *config.Config) (*agentStores, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	ks, err := keystore.NewFileKeystore(cfg.Storage.KeystoreDir)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}

	log := logging.Component("vault")
	vs, err := vault.Open(cfg.Storage.VaultDir, vault.NewCipher(ks), vault.Options{
		MaxItems: cfg.Storage.MaxItems,
		MaxBytes: cfg.Storage.MaxBytes,
		OnQuotaWarning: func(u vault.Usage) {
			log.Warn("vault approaching quota",
				"items", u.Items, "bytes", u.Bytes)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}

	qs, err := queue.OpenStore(cfg.Storage.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	return &agentStores{keys: ks, vault: vs, queue: qs}, nil
}

func buildQueue(cfg *config.Config, st *agentStores, monitor netwatch.Monitor) (*queue.Queue, error) {
	client := transport.NewHTTPClient(transport.Config{
		BaseURL:   cfg.Upload.BaseURL,
		DeviceKey: cfg.Upload.DeviceKey,
		UserAgent: "realitycam-agent/" + version,
		Timeout:   cfg.UploadTimeout(),
	})

	return queue.New(st.queue, st.vault, client, monitor, queue.Options{
		MaxAttempts: cfg.Upload.MaxAttempts,
		Backoff: queue.Backoff{
			Base:         time.Duration(cfg.Upload.BackoffBaseMs) * time.Millisecond,
			Cap:          time.Duration(cfg.Upload.BackoffCapMs) * time.Millisecond,
			QuickRetries: queue.DefaultBackoff.QuickRetries,
		},
		Logger: logging.Component("queue"),
	})
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	path := fs.String("config", "", "configuration file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	loader := config.NewLoader(*path, nil)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return err
	}
	defer logging.Close()
	log := logging.Logger()

	log.Info("starting realitycam-agent",
		"version", version,
		"data_dir", cfg.Storage.DataDir)

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.queue.Close()

	// Provision the device identity up front so every capture session
	// finds a cached key ID.
	authority := attest.PlatformAuthority(cfg.Attestation.TPMEnabled, log)
	svc := attest.NewService(authority, st.keys)
	keyID, err := svc.ProvisionIdentity(context.Background())
	if err != nil {
		return fmt.Errorf("provision identity: %w", err)
	}
	log.Info("device identity ready", "key_id", keyID)

	monitor := netwatch.Detect(logging.Component("netwatch"))
	defer monitor.Close()

	q, err := buildQueue(cfg, st, monitor)
	if err != nil {
		return err
	}
	q.Start()
	defer q.Close()

	watcher, err := queue.WatchSpool(q, cfg.Storage.VaultDir, logging.Component("spool"))
	if err != nil {
		return fmt.Errorf("watch spool: %w", err)
	}
	defer watcher.Close()

	// Log level changes apply on the fly; storage and transport changes
	// take effect on restart.
	loader.OnChange(func(c *config.Config) {
		if err := initLogging(c); err != nil {
			log.Warn("applying reloaded logging config failed", "error", err)
		}
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config watching unavailable", "error", err)
	} else {
		defer loader.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())
	return nil
}

func cmdProvision(args []string) error {
	cfg, _, err := loadConfig("provision", args)
	if err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return err
	}
	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.queue.Close()

	authority := attest.PlatformAuthority(cfg.Attestation.TPMEnabled, logging.Logger())
	svc := attest.NewService(authority, st.keys)
	keyID, err := svc.ProvisionIdentity(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("key id: %s\n", keyID)
	return nil
}

// cmdRecord drives a synthetic capture session end to end: generated
// frames flow through the hash chain and depth pipeline, and the result
// lands encrypted in the vault ready for the next agent run to upload.
func cmdRecord(args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	path := fs.String("config", "", "configuration file path")
	frames := fs.Int("frames", 300, "number of synthetic frames")
	fps := fs.Int("fps", 30, "simulated frame rate")
	interrupt := fs.Bool("interrupt", false, "end the session as interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *frames < 1 || *fps < 1 {
		return fmt.Errorf("frames and fps must be positive")
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return err
	}
	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.queue.Close()

	authority := attest.PlatformAuthority(cfg.Attestation.TPMEnabled, logging.Logger())
	svc := attest.NewService(authority, st.keys)
	if _, err := svc.ProvisionIdentity(context.Background()); err != nil {
		return fmt.Errorf("provision identity: %w", err)
	}

	// The queue is not started; the bundle stays pending for the next
	// agent run to deliver.
	q, err := buildQueue(cfg, st, netwatch.NewStaticMonitor(false))
	if err != nil {
		return err
	}

	sess := capture.NewSession(capture.Config{
		MediaType:           bundle.MediaVideo,
		CheckpointInterval:  cfg.Capture.CheckpointInterval,
		DepthSampleInterval: cfg.Capture.DepthSampleInterval,
		MaxDepthKeyframes:   cfg.Capture.MaxDepthKeyframes,
		DeviceModel:         cfg.Device.Model,
		OSVersion:           cfg.Device.OSVersion,
		AppVersion:          cfg.Device.AppVersion,
	}, svc, st.vault, q, logging.Component("capture"))

	res := depth.Resolution{Width: 32, Height: 24}
	grid := make([]byte, res.Width*res.Height*4)
	frameDur := time.Second / time.Duration(*fps)

	for i := 0; i < *frames; i++ {
		// Frame numbers are 1-based; the depth pipeline does its own
		// every-Kth sampling.
		f := capture.Frame{
			Number:          uint64(i + 1),
			Timestamp:       time.Duration(i) * frameDur,
			Data:            []byte(fmt.Sprintf("synthetic frame %d", i)),
			DepthData:       grid,
			DepthResolution: res,
		}
		if err := sess.AddFrame(f); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
	}

	media := []byte("synthetic media payload")
	var result *capture.Result
	if *interrupt {
		result, err = sess.Interrupt(context.Background(), media)
	} else {
		result, err = sess.Complete(context.Background(), media)
	}
	if err != nil {
		return err
	}

	fmt.Printf("bundle %s stored (partial=%v attested=%v frames=%d final_hash=%s)\n",
		result.BundleID, result.Metadata.IsPartial, result.Attested,
		result.Metadata.FrameCount, result.Metadata.FinalHash)
	return nil
}

func cmdStatus(args []string) error {
	cfg, _, err := loadConfig("status", args)
	if err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return err
	}
	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.queue.Close()

	u := st.vault.Usage()
	fmt.Printf("vault: %d items, %d bytes\n\n", u.Items, u.Bytes)

	items, err := st.queue.List()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("queue: empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BUNDLE\tSTATE\tATTEMPTS\tNEXT ATTEMPT\tERROR")
	for _, it := range items {
		next := "-"
		if !it.NextAttemptAt.IsZero() {
			next = it.NextAttemptAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			it.BundleID, it.State, it.Attempts, next, it.LastError)
	}
	return w.Flush()
}

func cmdRetry(args []string) error {
	cfg, rest, err := loadConfig("retry", args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("usage: realitycam-agent retry <bundle-id>")
	}
	if err := initLogging(cfg); err != nil {
		return err
	}
	q, st, err := offlineQueue(cfg)
	if err != nil {
		return err
	}
	defer st.queue.Close()

	if err := q.Retry(rest[0]); err != nil {
		return err
	}
	fmt.Printf("%s queued for retry\n", rest[0])
	return nil
}

func cmdCancel(args []string) error {
	cfg, rest, err := loadConfig("cancel", args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("usage: realitycam-agent cancel <bundle-id>")
	}
	if err := initLogging(cfg); err != nil {
		return err
	}
	q, st, err := offlineQueue(cfg)
	if err != nil {
		return err
	}
	defer st.queue.Close()

	if err := q.Cancel(rest[0]); err != nil {
		return err
	}
	fmt.Printf("%s cancelled\n", rest[0])
	return nil
}

func cmdPurge(args []string) error {
	cfg, _, err := loadConfig("purge", args)
	if err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return err
	}
	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.queue.Close()

	n, err := st.queue.PurgeCompleted()
	if err != nil {
		return err
	}
	fmt.Printf("removed %d completed items\n", n)
	return nil
}

// offlineQueue builds a queue that is never started: retry and cancel
// only touch the stores, so no network monitor or live transport is
// needed.
func offlineQueue(cfg *config.Config) (*queue.Queue, *agentStores, error) {
	st, err := openStores(cfg)
	if err != nil {
		return nil, nil, err
	}
	q, err := buildQueue(cfg, st, netwatch.NewStaticMonitor(false))
	if err != nil {
		st.queue.Close()
		return nil, nil, err
	}
	return q, st, nil
}
