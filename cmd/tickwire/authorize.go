package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/tickwire/tickwire/internal/auth"
)

func authorizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authorize",
		Short: "Run the OAuth authorization-code flow and store the token",
		Long: "Open the authorization page in a browser, capture the redirect on a " +
			"local listener, exchange the code, and save the token in the platform keyring.",
		RunE: runAuthorize,
	}
	addAuthFlags(cmd)
	cmd.Flags().String("scope", "trading", "requested scope")
	cmd.Flags().Duration("timeout", 5*time.Minute, "how long to wait for the redirect")
	cmd.Flags().Bool("no-browser", false, "print the authorization URL instead of opening a browser")
	return cmd
}

func runAuthorize(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	logger := resolveLogger(cmd)
	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}
	cfg, err := resolveAuthConfig(cmd, m, logger)
	if err != nil {
		return err
	}
	scope, _ := cmd.Flags().GetString("scope")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	noBrowser, _ := cmd.Flags().GetBool("no-browser")

	session, err := auth.NewSession(cfg, scope)
	if err != nil {
		return err
	}

	code, err := captureRedirect(ctx, cfg.RedirectURL, session, timeout, logger, func(authURL string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Authorize this application at:\n\n  %s\n\n", authURL)
		if !noBrowser {
			if err := browser.OpenURL(authURL); err != nil {
				logger.Warn("could not open browser", "error", err)
			}
		}
	})
	if err != nil {
		return err
	}

	manager := auth.NewManager(cfg)
	tok, err := manager.Exchange(ctx, code)
	if err != nil {
		return err
	}
	if err := auth.NewStore().Save(tok); err != nil {
		logger.Warn("token obtained but not persisted", "error", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Authorized. Token expires %s.\n", tok.ExpiresAt.Format(time.RFC3339))
	return nil
}

// captureRedirect runs a local HTTP listener on the redirect URL's address
// until the authorization code arrives, the timeout elapses, or the context
// is cancelled. The echoed state is validated against the session before
// the code is accepted.
func captureRedirect(ctx context.Context, redirectURL string, session *auth.Session, timeout time.Duration, logger *slog.Logger, onReady func(authURL string)) (string, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return "", fmt.Errorf("parse redirect url: %w", err)
	}
	if u.Scheme != "http" || u.Hostname() == "" {
		return "", fmt.Errorf("redirect url %q must be a local http URL", redirectURL)
	}
	addr := u.Host
	if u.Port() == "" {
		addr += ":80"
	}

	type outcome struct {
		code string
		err  error
	}
	results := make(chan outcome, 1)

	mux := http.NewServeMux()
	path := u.Path
	if path == "" {
		path = "/"
	}
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if err := session.ValidateState(q.Get("state")); err != nil {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			select {
			case results <- outcome{err: err}:
			default:
			}
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, "Authorization received. You can close this tab.")
		select {
		case results <- outcome{code: code}:
		default:
		}
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Debug("redirect listener started", "addr", addr, "path", path)
	onReady(session.AuthorizationURI())

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-results:
		return res.code, res.err
	case err := <-serveErr:
		return "", fmt.Errorf("redirect listener: %w", err)
	case <-timer.C:
		return "", fmt.Errorf("timed out waiting for authorization redirect after %v", timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
