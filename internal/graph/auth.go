package graph

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/onedrivesync/engine/internal/tokenfile"
)

// defaultClientID is the Azure AD application registered for drivesync — a
// public client, multi-tenant plus personal accounts.
const defaultClientID = "8efac532-bbe7-4bc5-919c-1443ccab860a"

var defaultScopes = []string{
	"offline_access",
	"Files.ReadWrite.All",
	"User.Read",
}

// DeviceAuth carries the device code fields the CLI shows the user.
type DeviceAuth struct {
	UserCode        string
	VerificationURI string
}

// Login runs the device code OAuth2 flow: request a device code, hand it to
// display for the CLI to show the user, poll until authorized (blocking,
// respects ctx), persist the resulting token at tokenPath, and return a
// TokenSource wrapping it.
//
// The returned TokenSource binds ctx to its underlying oauth2 token source —
// ctx must outlive it, or silent refreshes will start failing. Pass
// context.Background() for a long-lived session.
//
// tokenPath is computed by the caller (via config.DriveTokenPath) so this
// package stays free of a config import.
func Login(
	ctx context.Context,
	tokenPath string,
	display func(DeviceAuth),
	logger *slog.Logger,
) (TokenSource, error) {
	cfg := oauthConfig(tokenPath, nil, logger)

	return doLogin(ctx, tokenPath, cfg, display, logger)
}

// doLogin implements the device code flow against a pre-built oauth2.Config
// so tests can point it at a mock endpoint.
func doLogin(
	ctx context.Context,
	tokenPath string,
	cfg *oauth2.Config,
	display func(DeviceAuth),
	logger *slog.Logger,
) (TokenSource, error) {
	logger.Info("starting device code auth flow", slog.String("path", tokenPath))

	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph: device auth request failed: %w", err)
	}

	logger.Info("device code received, waiting for user authorization")

	display(DeviceAuth{
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURI,
	})

	tok, err := cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("graph: device code authorization failed: %w", err)
	}

	logger.Info("user authorized, saving token", slog.Time("expiry", tok.Expiry))

	if saveErr := tokenfile.Save(tokenPath, tok, nil); saveErr != nil {
		return nil, fmt.Errorf("graph: saving token: %w", saveErr)
	}

	logger.Info("login successful",
		slog.String("path", tokenPath),
		slog.Time("expiry", tok.Expiry),
	)

	src := cfg.TokenSource(ctx, tok)

	return &tokenBridge{src: src, logger: logger}, nil
}

// stateTokenBytes is the number of random bytes behind the OAuth2 state
// parameter.
const stateTokenBytes = 16

// localCallbackPath is the path the OAuth2 redirect hits on the local
// server. It must be the root path to exactly match the registered
// "http://localhost" redirect URI — the v2.0 endpoint accepts any port but
// requires the path to match.
const localCallbackPath = "/"

// callbackServerDrain is how long the local callback server gets to shut
// down gracefully.
const callbackServerDrain = 5 * time.Second

// authCallback carries the authorization code or error produced by the
// local callback handler.
type authCallback struct {
	code string
	err  error
}

// LoginWithBrowser runs the authorization code + PKCE flow: bind a localhost
// server on a random port, open the browser to Microsoft's authorization
// endpoint, receive the callback, exchange the code for tokens, persist the
// result at tokenPath, and return a TokenSource.
//
// openURL receives the authorization URL — the CLI uses it to launch the
// default browser. If it errors, the URL is printed to stderr so the user
// can open it by hand.
//
// tokenPath is computed by the caller (via config.DriveTokenPath) so this
// package stays free of a config import.
func LoginWithBrowser(
	ctx context.Context,
	tokenPath string,
	openURL func(string) error,
	logger *slog.Logger,
) (TokenSource, error) {
	cfg := oauthConfig(tokenPath, nil, logger)

	return doAuthCodeLogin(ctx, tokenPath, cfg, openURL, logger)
}

// doAuthCodeLogin implements the authorization code + PKCE flow against a
// pre-built oauth2.Config so tests can point it at a mock endpoint.
func doAuthCodeLogin(
	ctx context.Context,
	tokenPath string,
	cfg *oauth2.Config,
	openURL func(string) error,
	logger *slog.Logger,
) (TokenSource, error) {
	logger.Info("starting browser auth flow (authorization code + PKCE)",
		slog.String("path", tokenPath),
	)

	resultCh := make(chan authCallback, 1)
	mux := http.NewServeMux()

	srv, port, err := bindCallbackServer(ctx, mux, resultCh, logger)
	if err != nil {
		return nil, err
	}

	defer drainCallbackServer(srv, logger)

	// No path suffix: must match the registered "http://localhost" URI
	// exactly (the v2.0 endpoint ignores the port).
	cfg.RedirectURL = fmt.Sprintf("http://localhost:%d", port)

	verifier := oauth2.GenerateVerifier()

	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("graph: generating state token: %w", err)
	}

	mountCallbackHandler(mux, state, resultCh)

	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)

	openAuthURL(authURL, openURL, logger)

	code, err := awaitCallback(ctx, resultCh)
	if err != nil {
		return nil, err
	}

	return finishAuthCodeLogin(ctx, cfg, tokenPath, code, verifier, logger)
}

// bindCallbackServer binds 127.0.0.1:0 and starts serving mux on it,
// returning the server and the port it landed on.
func bindCallbackServer(
	ctx context.Context,
	mux *http.ServeMux,
	resultCh chan<- authCallback,
	logger *slog.Logger,
) (*http.Server, int, error) {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("graph: binding localhost listener: %w", err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, 0, fmt.Errorf("graph: listener address is not TCP")
	}

	port := tcpAddr.Port
	logger.Info("callback server listening", slog.Int("port", port))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: callbackServerDrain,
	}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			resultCh <- authCallback{err: fmt.Errorf("graph: callback server error: %w", serveErr)}
		}
	}()

	return srv, port, nil
}

// mountCallbackHandler registers the callback route on mux. Must run before
// the browser can redirect back.
func mountCallbackHandler(mux *http.ServeMux, state string, resultCh chan<- authCallback) {
	mux.HandleFunc("GET "+localCallbackPath, func(w http.ResponseWriter, r *http.Request) {
		serveOAuthCallback(w, r, state, resultCh)
	})
}

// serveOAuthCallback validates the CSRF state, extracts the authorization
// code, and reports the outcome on resultCh.
func serveOAuthCallback(w http.ResponseWriter, r *http.Request, state string, resultCh chan<- authCallback) {
	if r.URL.Query().Get("state") != state {
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		resultCh <- authCallback{err: fmt.Errorf("graph: OAuth2 state mismatch (possible CSRF)")}

		return
	}

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		desc := r.URL.Query().Get("error_description")
		http.Error(w, "Authorization failed: "+errParam, http.StatusBadRequest)
		resultCh <- authCallback{err: fmt.Errorf("graph: authorization failed: %s: %s", errParam, desc)}

		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		resultCh <- authCallback{err: fmt.Errorf("graph: callback missing authorization code")}

		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h1>Authentication successful</h1>"+
		"<p>You can close this window and return to the terminal.</p></body></html>")
	resultCh <- authCallback{code: code}
}

// drainCallbackServer shuts the callback server down gracefully. Takes an
// explicit logger rather than slog.Default() so the caller controls
// logging configuration.
func drainCallbackServer(srv *http.Server, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), callbackServerDrain)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		// Best-effort: this runs in a defer, nothing to propagate to.
		logger.Warn("callback server shutdown error", slog.String("error", err.Error()))
	}
}

// openAuthURL tries to open authURL in the user's browser, falling back to
// printing it to stderr on failure.
func openAuthURL(authURL string, openURL func(string) error, logger *slog.Logger) {
	logger.Info("opening browser for authorization")

	if openErr := openURL(authURL); openErr != nil {
		logger.Warn("failed to open browser, printing URL", slog.String("error", openErr.Error()))

		fmt.Fprintf(os.Stderr, "Open this URL in your browser:\n%s\n", authURL)
	}
}

// awaitCallback blocks until the callback fires or ctx is canceled.
func awaitCallback(ctx context.Context, resultCh <-chan authCallback) (string, error) {
	select {
	case result := <-resultCh:
		if result.err != nil {
			return "", result.err
		}

		return result.code, nil
	case <-ctx.Done():
		return "", fmt.Errorf("graph: browser auth canceled: %w", ctx.Err())
	}
}

// finishAuthCodeLogin exchanges the authorization code for a token and
// persists it to disk.
func finishAuthCodeLogin(
	ctx context.Context,
	cfg *oauth2.Config,
	tokenPath, code, verifier string,
	logger *slog.Logger,
) (TokenSource, error) {
	logger.Info("received authorization code, exchanging for token")

	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("graph: token exchange failed: %w", err)
	}

	logger.Info("token exchange successful", slog.Time("expiry", tok.Expiry))

	if saveErr := tokenfile.Save(tokenPath, tok, nil); saveErr != nil {
		return nil, fmt.Errorf("graph: saving token: %w", saveErr)
	}

	logger.Info("browser login successful",
		slog.String("path", tokenPath),
		slog.Time("expiry", tok.Expiry),
	)

	src := cfg.TokenSource(ctx, tok)

	return &tokenBridge{src: src, logger: logger}, nil
}

// generateState returns a cryptographically random hex string for the
// OAuth2 state parameter, guarding against CSRF.
func generateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

// TokenSourceFromPath loads a saved token from tokenPath and wraps it in a
// TokenSource with auto-refresh and auto-persistence via OnTokenChange.
// Returns ErrNotLoggedIn if no token file exists there.
//
// The returned TokenSource binds ctx to its underlying oauth2 token source —
// ctx must outlive it, or silent refreshes will start failing. Pass
// context.Background() for a long-lived session.
//
// tokenPath is computed by the caller (via config.DriveTokenPath) so this
// package stays free of a config import.
func TokenSourceFromPath(ctx context.Context, tokenPath string, logger *slog.Logger) (TokenSource, error) {
	tok, meta, err := tokenfile.Load(tokenPath)
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, ErrNotLoggedIn
	}

	expired := !tok.Expiry.IsZero() && tok.Expiry.Before(time.Now())
	logger.Info("loaded saved token",
		slog.String("path", tokenPath),
		slog.Time("expiry", tok.Expiry),
		slog.Bool("expired", expired),
	)

	cfg := oauthConfig(tokenPath, meta, logger)
	src := cfg.TokenSource(ctx, tok)

	return &tokenBridge{src: src, logger: logger}, nil
}

// Logout removes the saved token file at tokenPath. Returns nil if the file
// is already gone.
//
// tokenPath is computed by the caller (via config.DriveTokenPath) so this
// package stays free of a config import.
func Logout(tokenPath string, logger *slog.Logger) error {
	err := os.Remove(tokenPath)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("logout: no token file to remove (already logged out)",
			slog.String("path", tokenPath),
		)

		return nil
	}

	if err != nil {
		return err
	}

	logger.Info("logout: removed token file", slog.String("path", tokenPath))

	return nil
}

// oauthConfig builds an oauth2.Config whose OnTokenChange persists refreshed
// tokens back to tokenPath. meta is captured by the closure so metadata
// survives silent refreshes.
func oauthConfig(tokenPath string, meta map[string]string, logger *slog.Logger) *oauth2.Config {
	return &oauth2.Config{
		ClientID: defaultClientID,
		Scopes:   defaultScopes,
		Endpoint: microsoft.AzureADEndpoint("common"),
		// Invoked by ReuseTokenSource after each silent refresh, outside
		// its own mutex.
		OnTokenChange: func(tok *oauth2.Token) {
			logger.Info("token refreshed by oauth2 library",
				slog.String("path", tokenPath),
				slog.Time("new_expiry", tok.Expiry),
			)

			if err := tokenfile.Save(tokenPath, tok, meta); err != nil {
				logger.Warn("failed to persist refreshed token",
					slog.String("path", tokenPath),
					slog.String("error", err.Error()),
				)

				return
			}

			logger.Info("persisted refreshed token to disk", slog.String("path", tokenPath))
		},
	}
}

// tokenBridge adapts an oauth2.TokenSource to graph.TokenSource, logging
// every token acquisition so refresh activity is observable.
type tokenBridge struct {
	src    oauth2.TokenSource
	logger *slog.Logger
}

func (b *tokenBridge) Token() (string, error) {
	t, err := b.src.Token()
	if err != nil {
		b.logger.Warn("token acquisition failed", slog.String("error", err.Error()))
		return "", fmt.Errorf("graph: obtaining token: %w", err)
	}

	b.logger.Debug("token acquired",
		slog.Time("expiry", t.Expiry),
		slog.Bool("valid", t.Valid()),
	)

	return t.AccessToken, nil
}

// LoadTokenMeta reads just the metadata from the token file at tokenPath,
// delegating to tokenfile.Load for the single loading code path. A missing
// file returns nil metadata, not an error.
func LoadTokenMeta(tokenPath string) (map[string]string, error) {
	return tokenfile.ReadMeta(tokenPath)
}

// SaveTokenMeta reads the current token, overlays meta onto its existing
// metadata (new keys win), and saves the result.
func SaveTokenMeta(tokenPath string, meta map[string]string) error {
	return tokenfile.LoadAndMergeMeta(tokenPath, meta)
}
