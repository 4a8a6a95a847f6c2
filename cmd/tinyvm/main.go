// TinyVM host: runs a test-driver or judge session over compiled TinyVM
// instruction segments and prints the outcome as a single JSON line.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/BenWiederhake/tinyvm/pkg/harness"
	"github.com/BenWiederhake/tinyvm/pkg/metrics"
	"github.com/BenWiederhake/tinyvm/pkg/store"
	"github.com/BenWiederhake/tinyvm/pkg/vm"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "dev"
	BuildTime = "unknown"
)

// Configuration flags
var (
	configFile  = flag.String("config", "", "Path to JSON configuration file")
	judgeMode   = flag.Bool("judge", false, "Run the first segment as a judge over the remaining segments")
	budget      = flag.Uint64("budget", 0, "Total instruction budget for the session")
	seed        = flag.Int64("seed", 0, "Seed for deterministic randomness (0 = OS entropy)")
	storeDir    = flag.String("store-dir", "", "Record programs and results in a store at this path")
	metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// Config represents the JSON configuration file structure.
type Config struct {
	Budget      uint64 `json:"budget"`
	Seed        int64  `json:"seed"`
	StoreDir    string `json:"store_dir"`
	MetricsAddr string `json:"metrics_addr"`
	LogLevel    string `json:"log_level"`
}

// defaultConfig returns a Config with default values.
func defaultConfig() Config {
	return Config{
		Budget:   1 << 32,
		LogLevel: "info",
	}
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	if *configFile != "" {
		raw, err := os.ReadFile(*configFile)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if *budget != 0 {
		cfg.Budget = *budget
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}
	if *storeDir != "" {
		cfg.StoreDir = *storeDir
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.OutputPaths = []string{"stderr"}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	zapCfg.Level = lvl
	return zapCfg.Build()
}

// loadSegment reads and decodes one instruction segment file.
func loadSegment(path string) (*vm.Segment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read instruction segment from file %s: %w", path, err)
	}
	seg, err := vm.ParseSegment(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return seg, nil
}

// report is the JSON document printed for every session.
type report struct {
	Mode    string   `json:"mode"`
	Result  string   `json:"result"`
	Codes   []uint16 `json:"codes,omitempty"`
	Scores  []int16  `json:"scores,omitempty"`
	Fault   string   `json:"fault,omitempty"`
	Error   string   `json:"error,omitempty"`
	Steps   uint64   `json:"steps"`
	Elapsed string   `json:"elapsed"`
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("tinyvm %s (commit %s, built %s)\n", Version, GitCommit, BuildTime)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log, flag.Args()); err != nil {
		log.Error("session failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg Config, log *zap.Logger, paths []string) error {
	if len(paths) < 2 {
		return fmt.Errorf("need a controller segment and at least one controlled segment, got %d paths", len(paths))
	}

	segments := make([]*vm.Segment, len(paths))
	for i, path := range paths {
		seg, err := loadSegment(path)
		if err != nil {
			return err
		}
		segments[i] = seg
	}

	var db store.DB
	if cfg.StoreDir != "" {
		bdb, err := store.NewBadgerDB(cfg.StoreDir)
		if err != nil {
			return err
		}
		defer bdb.Close()
		db = bdb
		for i, seg := range segments {
			id, err := db.PutProgram(seg)
			if err != nil {
				return err
			}
			log.Info("stored program", zap.String("path", paths[i]), zap.String("id", id.String()))
		}
		metrics.DefaultMetrics().ProgramsStored.SetUint64(db.ProgramCount())
	}

	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(metrics.WithAddr(cfg.MetricsAddr))
		if err := srv.Start(); err != nil {
			return err
		}
		log.Info("metrics server listening", zap.String("addr", srv.Addr()))
	}

	var sessionOpts []harness.SessionOption
	sessionOpts = append(sessionOpts, harness.WithLogger(log))
	if cfg.Seed != 0 {
		sessionOpts = append(sessionOpts,
			harness.WithControllerOptions(vm.WithSource(vm.NewSeededSource(cfg.Seed))),
			harness.WithControlledOptions(vm.WithSource(vm.NewSeededSource(cfg.Seed+1))))
	}

	var rep report
	var controlled []*vm.VM
	start := time.Now()

	if *judgeMode {
		session, err := harness.NewJudgeSession(segments[0], segments[1:], sessionOpts...)
		if err != nil {
			return err
		}
		metrics.DefaultMetrics().ActiveSessions.Inc()
		result := session.Run(cfg.Budget)
		metrics.DefaultMetrics().ActiveSessions.Dec()
		rep = judgeReport(result)
		rep.Steps = session.Judge().Retired()
		for i := 1; i < len(segments); i++ {
			controlled = append(controlled, session.Player(i-1))
		}
	} else {
		if len(segments) != 2 {
			return fmt.Errorf("test-driver mode takes exactly two segments, got %d", len(segments))
		}
		session := harness.NewDriverSession(segments[0], segments[1], sessionOpts...)
		metrics.DefaultMetrics().ActiveSessions.Inc()
		result := session.Run(cfg.Budget)
		metrics.DefaultMetrics().ActiveSessions.Dec()
		rep = driverReport(result)
		rep.Steps = session.Driver().Retired()
		controlled = append(controlled, session.Testee())
	}

	elapsed := time.Since(start)
	rep.Elapsed = elapsed.String()
	for _, m := range controlled {
		rep.Steps += m.Retired()
	}
	metrics.DefaultMetrics().RecordSession(rep.Steps, rep.Error == "", elapsed)

	if db != nil {
		rec := &store.RunRecord{
			Program:  store.ProgramID(segments[0]),
			Steps:    rep.Steps,
			Codes:    rep.Codes,
			UnixTime: time.Now().Unix(),
		}
		if err := db.AppendRun(rec); err != nil {
			log.Warn("recording run", zap.Error(err))
		}
	}

	out, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func driverReport(result harness.Result) report {
	rep := report{Mode: "test-driver"}
	switch result.Kind {
	case harness.ResultCompleted:
		rep.Result = "completed"
		rep.Codes = result.Codes
	case harness.ResultTimeout:
		rep.Result = "timeout"
	case harness.ResultDriverFault:
		rep.Result = "driver-fault"
		rep.Fault = fmt.Sprintf("0x%04X", result.Fault)
	case harness.ResultDriverError:
		rep.Result = "driver-error"
		rep.Error = result.Err.Error()
	}
	return rep
}

func judgeReport(result harness.JudgeResult) report {
	rep := report{Mode: "judge"}
	switch result.Kind {
	case harness.JudgeCompleted:
		rep.Result = "completed"
		rep.Scores = result.Scores
	case harness.JudgeTimeout:
		rep.Result = "timeout"
	case harness.JudgeFault:
		rep.Result = "judge-fault"
		rep.Fault = fmt.Sprintf("0x%04X", result.Fault)
	case harness.JudgeError:
		rep.Result = "judge-error"
		rep.Error = result.Err.Error()
	}
	return rep
}
