// main.go - Entry point of the vault daemon.
//
// vaultd exposes a local REST API over the shielded note vault: unlock,
// balances, deposit/withdraw/transfer orchestration, bridge orders, note
// scanning and reconciliation. It talks to three remote collaborators: the
// relayer (batching and proving), the merkle tree indexer and the bridge.
//
// Usage:
//   vaultd run --config vault.json

package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/veilcash/vault/internal/bridge"
	"github.com/veilcash/vault/internal/merkle"
	"github.com/veilcash/vault/internal/orchestrator"
	"github.com/veilcash/vault/internal/relayer"
	"github.com/veilcash/vault/internal/store"
)

const version = "0.3.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "vaultd",
		Short:   "Shielded note vault daemon",
		Version: version,
	}

	var configPath string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the vault daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	runCmd.Flags().StringVar(&configPath, "config", "vault.json", "path to the configuration file")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	auditPath := ""
	if cfg.EnableAudit {
		auditPath = cfg.AuditLogPath
	}
	logger, err := NewLogger(cfg.LogLevel, cfg.LogFile, auditPath)
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.Info("vaultd %s starting", version)

	notes, err := store.Open(cfg.NotesPath)
	if err != nil {
		return fmt.Errorf("open note store: %w", err)
	}
	defer notes.Close()

	relayerClient := relayer.NewHTTPClient(cfg.RelayerURL, time.Duration(cfg.SubmitTimeoutSeconds)*time.Second)
	resolver := merkle.NewIndexerClient(cfg.IndexerURL)
	keys := &sessionKeys{}
	metrics := NewMetricsCollector()

	proofCheck := relayer.CheckArtifact
	if cfg.VerifyingKeyPath != "" {
		vk, err := relayer.LoadVerifyingKey(cfg.VerifyingKeyPath)
		if err != nil {
			return err
		}
		proofCheck = func(artifact []byte, publicInputs []string) error {
			return relayer.VerifyProof(artifact, vk, publicInputs)
		}
		logger.Info("proof verification enabled, key %s", cfg.VerifyingKeyPath)
	}

	orch := orchestrator.New(orchestrator.Config{
		PollInterval:   time.Duration(cfg.PollIntervalSeconds) * time.Second,
		SubmitTimeout:  time.Duration(cfg.SubmitTimeoutSeconds) * time.Second,
		QueueTimeout:   time.Duration(cfg.QueueTimeoutSeconds) * time.Second,
		ProofTimeout:   time.Duration(cfg.ProofTimeoutSeconds) * time.Second,
		ConfirmTimeout: time.Duration(cfg.ConfirmTimeoutSeconds) * time.Second,
	}, orchestrator.Deps{
		Keys:       keys,
		Approver:   &allowanceApprover{log: logger},
		Relayer:    relayerClient,
		Resolver:   resolver,
		Notes:      notes,
		ProofCheck: proofCheck,
	})
	var phaseMu sync.Mutex
	var provingSince time.Time
	orch.Subscribe(func(op orchestrator.Operation) {
		if op.Phase == orchestrator.PhaseError {
			metrics.RecordOperationError(string(op.Kind))
			logger.Error("%s failed: %s", op.Kind, op.Err)
			return
		}
		phaseMu.Lock()
		switch op.Phase {
		case orchestrator.PhaseProving:
			provingSince = time.Now()
		case orchestrator.PhaseConfirming:
			if !provingSince.IsZero() {
				metrics.RecordProofWait(time.Since(provingSince))
				provingSince = time.Time{}
			}
		}
		phaseMu.Unlock()
		logger.Debug("%s phase=%s progress=%d", op.Kind, op.Phase, op.Progress)
	})

	bridgeAPI := bridge.NewHTTPAPI(cfg.BridgeURL, time.Duration(cfg.SubmitTimeoutSeconds)*time.Second)
	coordinator := bridge.NewCoordinator(bridgeAPI, time.Duration(cfg.BridgePollSeconds)*time.Second,
		func(outputAmount *big.Int) error {
			// A completed bridge order turns into exactly one vault deposit.
			// While another operation holds the pipeline the coordinator
			// keeps the handoff pending and retries on its next poll.
			if err := orch.Deposit(outputAmount, "wBTC"); err != nil {
				logger.Warn("bridge handoff deferred: %v", err)
				return err
			}
			return nil
		})

	health := NewHealthChecker(version)
	health.RegisterComponent("note_store", notes.Ping)
	health.RegisterComponent("relayer", dialCheck(cfg.RelayerURL))
	health.RegisterComponent("indexer", dialCheck(cfg.IndexerURL))
	health.RegisterComponent("bridge", dialCheck(cfg.BridgeURL))

	server := &Server{
		cfg:     cfg,
		log:     logger,
		metrics: metrics,
		health:  health,
		limiter: NewClientRateLimiter(cfg.RateLimitTokens, cfg.RateLimitRefill, time.Duration(cfg.RateLimitSeconds)*time.Second),
		notes:   notes,
		orch:    orch,
		relayer: relayerClient,
		bridge:  coordinator,
		keys:    keys,
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", cfg.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigCh:
		logger.Info("received %s, shutting down", sig)
	}

	orch.Reset()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown: %v", err)
	}
	logger.Info("vaultd stopped")
	return nil
}

// dialCheck builds a health probe that opens a TCP connection to the
// service behind an http(s) URL.
func dialCheck(rawURL string) func() error {
	return func() error {
		host := rawURL
		for _, prefix := range []string{"http://", "https://"} {
			if len(host) > len(prefix) && host[:len(prefix)] == prefix {
				host = host[len(prefix):]
			}
		}
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, "443")
		}
		conn, err := net.DialTimeout("tcp", host, 3*time.Second)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}
