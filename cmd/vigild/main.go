// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package main

import (
	"flag"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"syscall"

	"github.com/vigil-av/vigil/config"
	"github.com/vigil-av/vigil/engine"
	"github.com/vigil-av/vigil/feature"
	"github.com/vigil-av/vigil/monitor"
	"github.com/vigil-av/vigil/quarantine"
	"github.com/vigil-av/vigil/reporter"
	"github.com/vigil-av/vigil/uploader"

	"github.com/NeowayLabs/wabbit"
	"github.com/NeowayLabs/wabbit/amqp"
	"github.com/NeowayLabs/wabbit/amqptest"
	log "github.com/sirupsen/logrus"
)

var (
	// testMode is used to invoke some automatic testing behaviour in main()
	testMode bool
	testDir  string

	// stopChan is used to notify the reader of a completed main()
	stopChan chan bool

	// sigChan is a channel receiving os.Signal instances to control runtime behaviour
	sigChan       = make(chan os.Signal, 1)
	sigChanClosed = make(chan bool)

	// reloadLock is a mutex protecting the critical section of detection reloads
	reloadLock sync.Mutex

	configPath     = flag.String("config", "/etc/vigil/vigild.toml", "Path to the configuration file")
	logPath        = flag.String("log", "/var/log/", "Path for vigild log files")
	ruleURI        = flag.String("rule-uri", "", "URI to fetch compiled scan rules from")
	dummy          = flag.Bool("dummy", false, "Log threat events instead of submitting to AMQP")
	profileFile    = flag.String("proffile", "", "Dump profiling information to file")
	memProfileFile = flag.String("mproffile", "", "Dump memory profiling information to file")
	profSrv        = flag.Bool("profsrv", false, "Enable profiling server on port 6060")
	verbose        = flag.Bool("verbose", false, "Verbose output")
	logJSON        = flag.Bool("logjson", false, "JSON log output")
)

func testWrapper(testdir string, stopNotify chan bool) {
	testMode = true
	testDir = testdir
	stopChan = make(chan bool)
	go main()
	<-stopChan
	testMode = false
	close(stopNotify)
}

// storeQuarantiner adapts the quarantine store to the monitor's isolation
// interface.
type storeQuarantiner struct {
	store *quarantine.Store
}

func (q *storeQuarantiner) Isolate(path string, verdict engine.Verdict) (string, error) {
	rec, err := q.store.Isolate(path, verdict)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// loadDetections (re)loads signature tables, the whitelist and scan rules
// into the engine and drops cached verdicts.
func loadDetections(eng *engine.Engine, cfg *config.Config) {
	reloadLock.Lock()
	defer reloadLock.Unlock()
	if cfg.Engine.SignatureFile != "" {
		if err := eng.LoadSignatures(cfg.Engine.SignatureFile); err != nil {
			log.Errorf("loading signatures: %s", err)
		}
	}
	if cfg.Engine.WhitelistFile != "" {
		if err := eng.LoadWhitelist(cfg.Engine.WhitelistFile); err != nil {
			log.Errorf("loading whitelist: %s", err)
		}
	}
	if cfg.Engine.RuleFile != "" || cfg.Engine.RuleURI != "" {
		if err := eng.LoadRules(cfg.Engine.RuleFile, cfg.Engine.RuleURI, cfg.Engine.RuleXZ); err != nil {
			log.Errorf("loading rules: %s", err)
		}
	}
	eng.ClearCache()
	log.Info("detection data successfully loaded")
}

func main() {
	var err error
	var rep reporter.Reporter
	var u *uploader.Uploader
	flag.Parse()

	// Use temporary test directories
	if testMode {
		*configPath = ""
		*logPath = testDir
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *ruleURI != "" {
		cfg.Engine.RuleURI = *ruleURI
	}
	if testMode {
		cfg.Monitor.Paths = []string{filepath.Join(testDir, "files")}
		cfg.Monitor.ScanAllFiles = true
		cfg.Monitor.SweepOnStart = false
		cfg.Quarantine.Dir = filepath.Join(testDir, "quarantine")
		cfg.Quarantine.KeyFile = filepath.Join(testDir, "quarantine.key")
		cfg.Reporting.Enabled = true
		cfg.Reporting.AMQPURI = "localhost:9999/%2f"
		cfg.Reporting.AMQPUser = "agent"
		cfg.Reporting.AMQPPass = "agent"
		cfg.Reporting.AMQPExchange = "vigil"
		cfg.Upload.Enabled = false
	}

	// Configure logging to file
	if len(*logPath) > 0 || testMode {
		if _, err = os.Stat(*logPath); os.IsNotExist(err) {
			log.Infof("Log directory %s does not exist, trying to create it", *logPath)
			err = os.MkdirAll(*logPath, os.ModePerm)
			if err != nil {
				log.Fatal(err)
			}
		}
		f, myerr := os.OpenFile(filepath.Join(*logPath, "vigild.log"),
			os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if myerr != nil {
			log.Fatal(myerr)
		}
		defer func() {
			f.Close()
			log.SetOutput(os.Stdout)
		}()
		log.SetOutput(f)
	}

	if *logJSON || cfg.Logging.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	}

	if *verbose || cfg.Logging.Verbose {
		log.Info("verbose log output enabled")
		log.SetLevel(log.DebugLevel)
	}

	if err = cfg.EnsureDirectories(); err != nil {
		log.Fatal(err)
	}

	// Optional profiling
	if *profileFile != "" {
		var f io.Writer
		f, err = os.Create(*profileFile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	if *profSrv && !testMode {
		go func() {
			log.Println(http.ListenAndServe("localhost:6060", nil))
		}()
	}

	// Create reporter
	if *dummy || !cfg.Reporting.Enabled {
		log.Info("disabling threat event submission")
		rep = reporter.MakeDummyReporter()
	} else {
		rep, err = reporter.MakeAMQPReporterWithReconnector(cfg.Reporting.AMQPURI,
			cfg.Reporting.AMQPUser, cfg.Reporting.AMQPPass, cfg.Reporting.AMQPExchange,
			*verbose, func(url string) (wabbit.Conn, string, error) {
				log.Info(url)
				if testMode {
					c, e := amqptest.Dial(url)
					return c, "direct", e
				}
				c, e := amqp.Dial(url)
				return c, "fanout", e
			})
		if err != nil {
			log.Fatal(err)
		}
	}
	defer rep.Finish()

	// Create detection engine
	featureCfg := feature.DefaultConfig()
	if cfg.Feature.VectorSize > 0 {
		featureCfg.VectorSize = cfg.Feature.VectorSize
	}
	if cfg.Feature.MaxInputSizeMB > 0 {
		featureCfg.MaxInputSize = cfg.Feature.MaxInputSizeMB * 1024 * 1024
	}
	if cfg.Feature.MaxStrings > 0 {
		featureCfg.MaxStrings = cfg.Feature.MaxStrings
	}
	eng := engine.MakeEngine(engine.Config{
		DetectionThreshold: cfg.Engine.DetectionThreshold,
		HeuristicWeight:    cfg.Engine.HeuristicWeight,
		ModelWeight:        cfg.Engine.ModelWeight,
		UseCache:           cfg.Engine.CacheSize > 0,
		CacheSize:          cfg.Engine.CacheSize,
		MaxFileSize:        int64(cfg.Engine.MaxFileSizeMB) * 1024 * 1024,
	}, feature.NewExtractor(featureCfg))

	for _, mp := range cfg.Engine.ModelPaths {
		if err = eng.AddModel(mp); err != nil {
			log.Fatalf("loading model %s: %s", mp, err)
		}
	}
	if cfg.Engine.FeedbackPath != "" {
		if err = eng.OpenFeedback(cfg.Engine.FeedbackPath); err != nil {
			log.Fatal(err)
		}
		defer eng.CloseFeedback()
	}
	loadDetections(eng, cfg)

	// Create quarantine store
	var quarantiner monitor.Quarantiner
	var store *quarantine.Store
	if cfg.Quarantine.Enabled {
		store, err = quarantine.MakeStore(quarantine.Config{
			Dir:             cfg.Quarantine.Dir,
			KeyFile:         cfg.Quarantine.KeyFile,
			FreeSpaceFactor: cfg.Quarantine.FreeSpaceFactor,
			OverwritePasses: cfg.Quarantine.OverwritePasses,
			RetentionDays:   cfg.Quarantine.RetentionDays,
			Compress:        cfg.Quarantine.Compress,
		})
		if err != nil {
			log.Fatal(err)
		}
		defer store.Close()
		quarantiner = &storeQuarantiner{store: store}
	} else {
		log.Info("quarantine disabled, threats will be blocked instead of isolated")
	}

	// Create uploader
	if cfg.Upload.Enabled {
		u, err = uploader.MakeS3Uploader(uploader.S3Credentials{
			Endpoint:        cfg.Upload.Endpoint,
			AccessKey:       cfg.Upload.AccessKey,
			SecretAccessKey: cfg.Upload.SecretAccessKey,
			BucketName:      cfg.Upload.BucketName,
			Region:          cfg.Upload.Region,
		}, cfg.Upload.UseSSL, cfg.Upload.ScratchDir, rep)
		if err != nil {
			log.Fatal(err)
		}
	}

	signal.Notify(sigChan, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range sigChan {
			log.Infof("received signal %v, no handler set up yet", sig)
		}
		close(sigChanClosed)
	}()

	// Prepare monitor
	finishNotify := make(chan bool)
	mon := monitor.MakeMonitor(monitor.Config{
		QueueSize:      cfg.Monitor.QueueSize,
		ScanAllFiles:   cfg.Monitor.ScanAllFiles,
		UseMagicFilter: cfg.Monitor.UseMagicFilter,
	}, eng, quarantiner, finishNotify)
	for _, p := range cfg.Monitor.Paths {
		if err = mon.AddWatchPath(p); err != nil {
			log.Fatalf("watch path %s: %s", p, err)
		}
	}
	for _, p := range cfg.Monitor.Exceptions {
		mon.AddException(p)
	}

	// Consume scan decisions, turning them into threat events
	consumerDone := make(chan bool)
	go func() {
		for d := range mon.Decisions() {
			switch d.Action {
			case monitor.ActionDetected, monitor.ActionBlocked, monitor.ActionQuarantined:
				ev := reporter.Event{
					Time:         d.Timestamp,
					Path:         d.Path,
					Action:       d.Action.String(),
					Verdict:      d.Verdict,
					QuarantineID: d.QuarantineID,
				}
				// With an uploader present, the event is reported after the
				// sample upload so it carries the upload location.
				if d.Action == monitor.ActionQuarantined && u != nil && store != nil {
					rec, err := store.Get(d.QuarantineID)
					if err != nil {
						log.Errorf("quarantine record %s: %s", d.QuarantineID, err)
						continue
					}
					if err := u.Enqueue(ev, rec.Hashes.Sha256, store.ContainerPath(rec)); err != nil {
						log.Errorf("upload enqueue for %s: %s", d.Path, err)
					}
					continue
				}
				if err := reporter.ReportEvent(rep, ev); err != nil {
					log.Error(err)
				}
			case monitor.ActionError:
				log.Warnf("scan of %s failed: %s", d.Path, d.Reason)
			}
		}
		close(consumerDone)
	}()

	// Prepare janitor
	var j *quarantine.Janitor
	janitorNotify := make(chan bool)
	if store != nil && cfg.Quarantine.RetentionDays > 0 {
		j = quarantine.MakeJanitor(store, janitorNotify)
	} else {
		close(janitorNotify)
	}

	// Clear previous stub handler
	signal.Reset()
	close(sigChan)
	<-sigChanClosed
	sigChan = make(chan os.Signal, 1)

	// Register live handlers
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP,
		syscall.SIGUSR1)
	go func() {
	SigLoop:
		for {
			sig := <-sigChan
			switch sig {
			case syscall.SIGHUP:
				log.Info("Received SIGHUP, reloading detection data")
				loadDetections(eng, cfg)
			case syscall.SIGUSR1:
				log.Info("Received SIGUSR1, sweeping watched paths")
				n := mon.Sweep()
				log.Infof("sweep enqueued %d files", n)
			case os.Interrupt, syscall.SIGTERM:
				log.Info("Received request to stop, stopping janitor and monitor...")
				mon.Stop()
				if u != nil {
					u.Stop()
				}
				if j != nil {
					j.Stop()
				}
				break SigLoop
			}
		}
	}()

	// start watching directory events...
	err = mon.Start()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Monitor.SweepOnStart {
		n := mon.Sweep()
		log.Infof("startup sweep enqueued %d files", n)
	}
	if j != nil {
		if err = j.Run(); err != nil {
			log.Fatal(err)
		}
	}
	log.Info("monitor successfully started")

	// ...until the monitor is stopped
	<-finishNotify
	<-consumerDone
	<-janitorNotify

	log.Info("stopped janitor and monitor")

	if testMode {
		close(stopChan)
	}

	if *memProfileFile != "" {
		f, err := os.Create(*memProfileFile)
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
		f.Close()
	}
}
