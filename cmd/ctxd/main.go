package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/helioslabs/ctxd/internal/auth"
	"github.com/helioslabs/ctxd/internal/config"
	"github.com/helioslabs/ctxd/internal/service"
	"github.com/helioslabs/ctxd/internal/sessions"
	"github.com/helioslabs/ctxd/internal/store"
	"github.com/helioslabs/ctxd/internal/tokens"
	"github.com/helioslabs/ctxd/models"
)

func main() {
	configPath := flag.String("config", "ctxd.yaml", "path to the service config file")
	generateKeys := flag.Bool("generate-keys", false, "emit a fresh signing key pair plus bootstrap tokens and exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	if *generateKeys {
		if err := emitBootstrapKeys(); err != nil {
			logger.Error("key generation failed", "error", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	staticKeys, err := decodeStaticKeys(cfg.Auth.StaticKeys)
	if err != nil {
		logger.Error("invalid static key in config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	verifier := auth.NewVerifier(logger.WithGroup("auth"), auth.Config{
		KeySetURL:    cfg.Auth.KeySetURL,
		CacheTTL:     cfg.Auth.CacheTTL,
		FetchTimeout: cfg.Auth.FetchTimeout,
		StaticKeys:   staticKeys,
	})
	defer verifier.Stop()

	st := store.New(
		logger.WithGroup("store"),
		tokens.NewSizeEstimator(cfg.BytesPerToken),
		cfg.MaxTokens,
	)

	registry := sessions.NewRegistry(logger.WithGroup("sessions"), sessions.Config{
		IdleTimeout:    cfg.Sessions.IdleTimeout,
		SweepInterval:  cfg.Sessions.SweepInterval,
		MaxConnections: cfg.Sessions.MaxConnections,
	})

	svc := service.New(ctx, logger.WithGroup("service"), cfg, st, registry, verifier)

	color.HiGreen("ctxd")
	color.White("  listen:      %s", cfg.Listen)
	color.White("  max tokens:  %d", cfg.MaxTokens)
	color.White("  idle sweep:  every %s, timeout %s", cfg.Sessions.SweepInterval, cfg.Sessions.IdleTimeout)

	if err := svc.Run(); err != nil {
		logger.Error("service exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("application exiting")
}

func parseLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func decodeStaticKeys(raw map[string]string) (map[string]ed25519.PublicKey, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]ed25519.PublicKey, len(raw))
	for kid, encoded := range raw {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("kid %q: %w", kid, err)
		}
		if len(decoded) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("kid %q: key must be %d bytes, got %d", kid, ed25519.PublicKeySize, len(decoded))
		}
		out[kid] = ed25519.PublicKey(decoded)
	}
	return out, nil
}

// emitBootstrapKeys prints everything needed to stand up a fresh
// deployment: a key pair, the key-set document to host, the config
// snippet for static keys, and one signed token per role.
func emitBootstrapKeys() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}

	kid := fmt.Sprintf("ctxd-%d", time.Now().Unix())
	pubB64 := base64.StdEncoding.EncodeToString(pub)

	keySet := auth.KeySetDocument{
		Keys: []auth.KeySetEntry{{KID: kid, Alg: "EdDSA", PublicKey: pubB64}},
	}
	keySetJSON, err := json.MarshalIndent(keySet, "", "  ")
	if err != nil {
		return err
	}

	color.HiGreen("generated signing key")
	color.White("  kid:         %s", kid)
	color.White("  private key: %s", base64.StdEncoding.EncodeToString(priv))
	fmt.Println()
	color.HiGreen("key-set document (host this at auth.keySetURL)")
	fmt.Println(string(keySetJSON))
	fmt.Println()
	color.HiGreen("config snippet (alternative to hosting a key set)")
	fmt.Printf("auth:\n  staticKeys:\n    %s: %s\n\n", kid, pubB64)

	color.HiGreen("bootstrap tokens (valid 30 days)")
	for _, role := range []string{models.RoleAdmin, models.RoleAgent, models.RoleViewer} {
		token, err := auth.SignToken(kid, priv, "bootstrap-"+role, role, 30*24*time.Hour, nil)
		if err != nil {
			return err
		}
		color.White("  %s:", role)
		fmt.Printf("    %s\n", token)
	}
	return nil
}
