// biolockctl is the control CLI for the biolock authentication core.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"biolock/internal/audit"
	"biolock/internal/auth"
	"biolock/internal/biometric"
	"biolock/internal/config"
	"biolock/internal/failsafe"
	"biolock/internal/health"
	"biolock/internal/liveness"
	"biolock/internal/lockout"
	"biolock/internal/logging"
	"biolock/internal/security"
	"biolock/internal/store"
	"biolock/internal/threat"
)

var (
	configPath = flag.String("config", "", "path to config file")
	jsonOut    = flag.Bool("json", false, "print results as JSON")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)

	switch cmd {
	case "enroll":
		if flag.NArg() < 3 {
			fmt.Fprintln(os.Stderr, "Usage: biolockctl enroll <identity> <sample.json> [sample.json ...]")
			os.Exit(1)
		}
		cmdEnroll(flag.Arg(1), flag.Args()[2:])
	case "authenticate":
		if flag.NArg() < 3 {
			fmt.Fprintln(os.Stderr, "Usage: biolockctl authenticate <identity> <sample.json>")
			os.Exit(1)
		}
		cmdAuthenticate(flag.Arg(1), flag.Arg(2))
	case "setup-secret":
		cmdSetupSecret()
	case "request-emergency-key":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: biolockctl request-emergency-key <failure-type>")
			os.Exit(1)
		}
		cmdRequestEmergencyKey(flag.Arg(1))
	case "check-emergency-status":
		cmdEmergencyStatus()
	case "disable-emergency-access":
		cmdDisableEmergency()
	case "run-diagnostics":
		cmdDiagnostics()
	case "status":
		cmdStatus()
	case "history":
		n := 20
		if flag.NArg() >= 2 {
			if v, err := strconv.Atoi(flag.Arg(1)); err == nil {
				n = v
			}
		}
		cmdHistory(n)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `biolockctl - Control utility for the biolock authentication core

Usage: biolockctl [options] <command> [args]

Commands:
  enroll <identity> <sample.json>...   Enroll an identity from audio samples
  authenticate <identity> <sample.json>  Run one verification attempt
  setup-secret                         One-time developer secret enrollment
  request-emergency-key <failure-type> Report a system failure and issue an OTK
  check-emergency-status               Show emergency-access state
  disable-emergency-access             Manually deactivate emergency access
  run-diagnostics                      Run self-tests against local state
  status                               Show authentication statistics
  history [n]                          Print the last n audit entries
  help                                 Show this help message

Options:
  -config <path>  Path to config file (toml, yaml, or json)
  -json           Print results as JSON`)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(logging.New(&logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Component: "biolockctl",
	}))
	return cfg
}

// app holds the wired-up core for one command invocation.
type app struct {
	cfg      *config.Config
	st       *store.Store
	enc      *security.Encryptor
	profiles *biometric.ProfileStore
	log      *audit.Log
	lockouts *lockout.Manager
	threats  *threat.Engine
	failsafe *failsafe.Controller
	auth     *auth.Service
}

func openApp(cfg *config.Config) *app {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0700); err != nil {
		fatalf("create data dir: %v", err)
	}
	enc, err := security.NewEncryptorFromFile(cfg.Storage.KeyPath)
	if err != nil {
		fatalf("open master key: %v", err)
	}
	// Each storage domain seals under its own HKDF subkey so a leaked
	// blob from one store cannot be replayed into another.
	auditEnc, err := enc.DeriveEncryptor("audit")
	if err != nil {
		fatalf("derive audit key: %v", err)
	}
	profileEnc, err := enc.DeriveEncryptor("profiles")
	if err != nil {
		fatalf("derive profile key: %v", err)
	}
	failsafeEnc, err := enc.DeriveEncryptor("failsafe")
	if err != nil {
		fatalf("derive failsafe key: %v", err)
	}
	st, err := store.Open(cfg.Storage.DatabasePath, cfg.Storage.BusyTimeoutMs)
	if err != nil {
		fatalf("open store: %v", err)
	}
	profiles, err := biometric.NewProfileStore(cfg.Storage.ProfileDir, profileEnc)
	if err != nil {
		fatalf("open profile store: %v", err)
	}
	log := audit.NewLog(st, auditEnc, logging.Component("audit"))
	lockouts, err := lockout.NewManager(st,
		cfg.Security.MaxFailedAttempts, cfg.Security.LockoutDuration(),
		logging.Component("lockout"))
	if err != nil {
		fatalf("load lockout state: %v", err)
	}
	threats := threat.NewEngine(threat.Config{
		LowThreshold:      cfg.Threat.LowThreshold,
		MediumThreshold:   cfg.Threat.MediumThreshold,
		HighThreshold:     cfg.Threat.HighThreshold,
		CriticalThreshold: cfg.Threat.CriticalThreshold,
		NormalHoursStart:  cfg.Threat.NormalHoursStart,
		NormalHoursEnd:    cfg.Threat.NormalHoursEnd,
		Retention:         cfg.Threat.Retention(),
	}, st, logging.Component("threat"))
	fs, err := failsafe.NewController(failsafe.Config{
		StatePath:     cfg.Storage.FailsafeStatePath,
		MaxUses:       cfg.Failsafe.MaxUses,
		Timeout:       cfg.Failsafe.Timeout(),
		OTKValidity:   cfg.Failsafe.OTKValidity(),
		KeySequence:   cfg.Failsafe.KeySequence,
		KDFIterations: cfg.Failsafe.KDFIterations,
	}, failsafeEnc, log, logging.Component("failsafe"))
	if err != nil {
		fatalf("load failsafe state: %v", err)
	}

	weights, err := cfg.ModalityWeights()
	if err != nil {
		fatalf("modality weights: %v", err)
	}
	fusion := biometric.NewEngine(biometric.Params{
		Weights:             weights,
		ConfidenceThreshold: cfg.Security.ConfidenceThreshold,
		LivenessGate:        cfg.Security.LivenessThreshold,
		SimilarityFloor:     cfg.Security.SimilarityThreshold,
	})
	scorer := liveness.NewScorer(cfg.Biometric.SampleRate)

	return &app{
		cfg:      cfg,
		st:       st,
		enc:      enc,
		profiles: profiles,
		log:      log,
		lockouts: lockouts,
		threats:  threats,
		failsafe: fs,
		auth: auth.New(profiles, statisticalExtractor{}, scorer, fusion,
			lockouts, threats, log, logging.Component("auth")),
	}
}

func (a *app) close() {
	if err := a.st.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "closing store: %v\n", err)
	}
}

// statisticalExtractor is the built-in embedding fallback used when no
// external model oracle is configured: a fixed-length vector of frame
// statistics. It is deterministic and dimension-stable, which is all
// the pipeline requires of an oracle.
type statisticalExtractor struct{}

func (statisticalExtractor) Extract(sample []float64) ([]float64, error) {
	return liveness.StatisticalEmbedding(sample)
}

func readSample(path string) []float64 {
	data, err := os.ReadFile(path)
	if err != nil {
		fatalf("read sample %s: %v", path, err)
	}
	var samples []float64
	if err := json.Unmarshal(data, &samples); err != nil {
		fatalf("parse sample %s: expected a JSON array of floats: %v", path, err)
	}
	return samples
}

func cmdEnroll(identity string, paths []string) {
	a := openApp(loadConfig())
	defer a.close()

	samples := make([][]float64, 0, len(paths))
	for _, p := range paths {
		samples = append(samples, readSample(p))
	}
	profile, err := a.auth.Enroll(identity, samples)
	if err != nil {
		fatalf("enrollment failed: %v", err)
	}
	fmt.Printf("Enrolled %s: %d samples, %d-dim embedding\n",
		profile.Identity, profile.SampleCount, profile.Dim)
}

func cmdAuthenticate(identity, samplePath string) {
	a := openApp(loadConfig())
	defer a.close()

	res, err := a.auth.Authenticate(identity, readSample(samplePath))
	if res == nil {
		fatalf("authentication error: %v", err)
	}
	if *jsonOut {
		printJSON(res)
	} else {
		fmt.Printf("Attempt:    %s\n", res.AttemptID)
		fmt.Printf("Decision:   %s\n", res.Reason)
		fmt.Printf("Confidence: %.4f\n", res.Confidence)
		fmt.Printf("Similarity: %.4f\n", res.Similarity)
		fmt.Printf("Liveness:   %.4f\n", res.Liveness)
		if res.Threat != nil {
			fmt.Printf("Threat:     %s (%.2f)\n", res.Threat.Level, res.Threat.Score)
		}
		if res.Locked {
			fmt.Printf("Locked out for %s\n", res.LockRemaining.Round(time.Second))
		}
	}
	if !res.Authenticated {
		os.Exit(1)
	}
}

func readSecret(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	sc := bufio.NewScanner(os.Stdin)
	if !sc.Scan() {
		fatalf("no input")
	}
	return strings.TrimSpace(sc.Text())
}

func cmdSetupSecret() {
	a := openApp(loadConfig())
	defer a.close()

	secret := readSecret("New developer secret: ")
	if err := a.failsafe.SetupSecret(secret); err != nil {
		fatalf("setup failed: %v", err)
	}
	fmt.Println("Developer secret configured.")
}

func cmdRequestEmergencyKey(failureType string) {
	a := openApp(loadConfig())
	defer a.close()

	a.failsafe.DetectSystemFailure(failureType)
	token, expires, err := a.failsafe.RequestOTK()
	if err != nil {
		fatalf("one-time key request failed: %v", err)
	}
	fmt.Printf("One-time key: %s\n", token)
	fmt.Printf("Expires:      %s\n", expires.Format(time.RFC3339))
}

func cmdEmergencyStatus() {
	a := openApp(loadConfig())
	defer a.close()

	st := a.failsafe.Status()
	if *jsonOut {
		printJSON(st)
		return
	}
	fmt.Println("=== Emergency Access Status ===")
	fmt.Printf("Active:            %v\n", st.Active)
	if st.Active {
		fmt.Printf("Activated at:      %s\n", st.ActivatedAt.Format(time.RFC3339))
	}
	fmt.Printf("Uses:              %d/%d\n", st.UseCount, st.MaxUses)
	fmt.Printf("Secret configured: %v\n", st.SecretConfigured)
	fmt.Printf("Pending keys:      %d\n", st.PendingKeys)
	fmt.Printf("Tampered:          %v\n", st.Tampered)
	if st.LastFailure != "" {
		fmt.Printf("Last failure:      %s\n", st.LastFailure)
	}
}

func cmdDisableEmergency() {
	a := openApp(loadConfig())
	defer a.close()

	if err := a.failsafe.Deactivate(failsafe.ReasonManual); err != nil {
		fatalf("deactivation failed: %v", err)
	}
	fmt.Println("Emergency access disabled.")
}

func cmdDiagnostics() {
	cfg := loadConfig()
	a := openApp(cfg)
	defer a.close()

	checker := health.NewChecker()
	checker.Register("encryption", func(ctx context.Context) error {
		blob, err := a.enc.Encrypt([]byte("diagnostic"))
		if err != nil {
			return err
		}
		plain, err := a.enc.Decrypt(blob)
		if err != nil {
			return err
		}
		if string(plain) != "diagnostic" {
			return fmt.Errorf("round-trip mismatch")
		}
		return nil
	})
	checker.Register("audit-store", func(ctx context.Context) error {
		_, err := a.log.Count()
		return err
	})
	checker.Register("audit-decrypt", func(ctx context.Context) error {
		_, err := a.log.Recent(5, "")
		return err
	})
	checker.Register("failsafe-integrity", func(ctx context.Context) error {
		return a.failsafe.VerifyIntegrity()
	})
	checker.Register("profile-storage", func(ctx context.Context) error {
		_, err := os.Stat(cfg.Storage.ProfileDir)
		return err
	})

	report := checker.Run(context.Background())
	if *jsonOut {
		printJSON(report)
	} else {
		for _, c := range report.Checks {
			if c.Status == health.StatusHealthy {
				fmt.Printf("ok    %s\n", c.Name)
			} else {
				fmt.Printf("FAIL  %-20s %s\n", c.Name, c.Message)
			}
		}
	}
	if report.Failed() > 0 {
		fmt.Printf("\n%d check(s) failed\n", report.Failed())
		os.Exit(1)
	}
	fmt.Println("\nAll checks passed.")
}

func cmdStatus() {
	a := openApp(loadConfig())
	defer a.close()

	stats, err := a.log.Stats(100)
	if err != nil {
		fatalf("read stats: %v", err)
	}
	count, _ := a.log.Count()
	if *jsonOut {
		printJSON(stats)
		return
	}
	fmt.Println("=== biolock Status ===")
	fmt.Printf("Audit entries:     %d total, %d scanned\n", count, stats.Entries)
	fmt.Printf("Auth attempts:     %d\n", stats.AuthAttempts)
	fmt.Printf("Success rate:      %.1f%%\n", stats.SuccessRate*100)
	fmt.Printf("Avg confidence:    %.4f\n", stats.AvgConfidence)
	fmt.Printf("Avg liveness:      %.4f\n", stats.AvgLiveness)
	for level, n := range a.threats.Summary() {
		fmt.Printf("Threat %-10s %d\n", string(level)+":", n)
	}
}

func cmdHistory(n int) {
	a := openApp(loadConfig())
	defer a.close()

	entries, err := a.log.Recent(n, "")
	if err != nil {
		fatalf("read history: %v", err)
	}
	if *jsonOut {
		printJSON(entries)
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-22s %s", e.Timestamp.Format(time.RFC3339), e.Event, e.Identity)
		if e.Event == audit.EventAuthAttempt {
			line += fmt.Sprintf("  %s conf=%.3f", e.Reason, e.Confidence)
		}
		fmt.Println(line)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("encode output: %v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
