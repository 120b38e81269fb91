package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/dbelyaev/tabkeeper/internal/client/api"
	"github.com/dbelyaev/tabkeeper/internal/client/config"
	"github.com/dbelyaev/tabkeeper/internal/client/securestore"
	"github.com/dbelyaev/tabkeeper/internal/client/session"
	"github.com/dbelyaev/tabkeeper/internal/client/store"
	"github.com/dbelyaev/tabkeeper/internal/client/vault"
	"github.com/dbelyaev/tabkeeper/internal/cryptox"
	"github.com/dbelyaev/tabkeeper/internal/filex"
	"github.com/dbelyaev/tabkeeper/internal/logging"
)

// readToken is a test seam for term.ReadPassword.
var readToken = term.ReadPassword

func main() {
	// Optional .env next to the binary; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := run(context.Background(), cfg); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(cfg.LogLevel),
	})))

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	deriver := cryptox.NewDeriver(cfg.KDFIterations)
	cipher := cryptox.NewCipher(deriver)
	tokenVault := vault.New(logger)

	ctrl := session.NewController(st, cipher, tokenVault, logger,
		session.WithCleanupDelay(cfg.BroadcastCleanupDelay))
	defer ctrl.Close()

	secrets := securestore.New(st, cipher, ctrl, logger,
		securestore.WithLegacyPlaintextFallback(cfg.LegacyPlaintextFallback))

	client := api.NewClient(cfg.APIBaseURL, ctrl, logger)

	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	if user := ctrl.CurrentUser(); user != nil {
		fmt.Printf("restored session for %s (%s)\n", user.ID, user.Email)
	} else if err := login(ctx, ctrl); err != nil {
		return err
	}

	showBalance(ctx, client, secrets, logger)

	logger.Info(ctx, "client running", "tab", ctrl.TabID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger logging.Logger) (store.Store, error) {
	if cfg.StoreDSN == "" {
		return store.NewMemory().Tab(), nil
	}

	dir, err := filex.EnsureSubDir("cache")
	if err != nil {
		return nil, err
	}
	dsn := cfg.StoreDSN
	if !strings.Contains(dsn, string(os.PathSeparator)) && !strings.HasPrefix(dsn, "file:") {
		dsn = filepath.Join(dir, dsn)
	}
	return store.OpenSQLite(ctx, dsn, cfg.StorePollInterval, logger)
}

// showBalance prefers the cached balance and falls back to the API,
// re-caching whatever it fetched. Unauthorized just means re-login next
// run; any other failure is only logged.
func showBalance(ctx context.Context, client *api.Client, secrets *securestore.SecureStorage, logger logging.Logger) {
	if cached, err := secrets.GetBalance(ctx); err == nil && cached != "" {
		fmt.Printf("balance (cached): %s\n", cached)
		return
	}

	var resp struct {
		Balance string `json:"balance"`
	}
	if err := client.Get(ctx, "/v1/account/balance", &resp); err != nil {
		logger.Warn(ctx, "balance fetch failed", "error", err)
		return
	}
	if err := secrets.SetBalance(ctx, resp.Balance); err != nil {
		logger.Warn(ctx, "balance caching failed", "error", err)
	}
	fmt.Printf("balance: %s\n", resp.Balance)
}

// login runs the manual flow: the wallet-connection UI that normally
// supplies (id, email, token) lives outside this binary, so the demo
// reads them from the terminal, the token without echo.
func login(ctx context.Context, ctrl *session.Controller) error {
	reader := bufio.NewReader(os.Stdin)

	id, err := readLine(reader, "User id", os.Stdout)
	if err != nil {
		return err
	}
	email, err := readLine(reader, "Wallet address / email", os.Stdout)
	if err != nil {
		return err
	}

	fmt.Print("Bearer token: ")
	token, err := readToken(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return err
	}

	return ctrl.SetUser(ctx, &session.Record{ID: id, Email: email}, string(token))
}

func readLine(reader *bufio.Reader, prompt string, w io.Writer) (string, error) {
	if _, err := fmt.Fprint(w, prompt+"\n> "); err != nil {
		return "", err
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
