package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// ErrNoToken is returned by NewClient when the account has never been
// authorized.
var ErrNoToken = errors.New("no stored token, run 'calsync auth' first")

// Scopes requested for Google accounts.
var Scopes = []string{
	"https://www.googleapis.com/auth/calendar",
	"https://www.googleapis.com/auth/calendar.events",
}

// GoogleConfig returns the OAuth configuration for an installed application.
// The redirect URL is set by the interactive flow.
func GoogleConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  "http://127.0.0.1:8080",
		Scopes:       Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}
}

// autoSaveTokenSource wraps an oauth2.TokenSource and persists refreshed tokens.
type autoSaveTokenSource struct {
	mu         sync.Mutex
	source     oauth2.TokenSource
	tokenStore TokenStore
	lastToken  *oauth2.Token
}

// Token implements oauth2.TokenSource and saves the token if it was refreshed.
func (a *autoSaveTokenSource) Token() (*oauth2.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	token, err := a.source.Token()
	if err != nil {
		return nil, err
	}

	if a.lastToken == nil || a.lastToken.AccessToken != token.AccessToken {
		if err := a.tokenStore.SaveToken(token); err != nil {
			return nil, fmt.Errorf("failed to save refreshed token: %w", err)
		}
		a.lastToken = token
	}
	return token, nil
}

// NewClient returns an HTTP client authorized with the stored token. It never
// prompts; a missing token returns ErrNoToken.
func NewClient(ctx context.Context, oauthConfig *oauth2.Config, tokenStore TokenStore) (*http.Client, error) {
	token, err := tokenStore.LoadToken()
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	if token == nil {
		return nil, ErrNoToken
	}
	return clientFor(ctx, oauthConfig, tokenStore, token), nil
}

func clientFor(ctx context.Context, oauthConfig *oauth2.Config, tokenStore TokenStore, token *oauth2.Token) *http.Client {
	source := &autoSaveTokenSource{
		source:     oauth2.ReuseTokenSource(token, oauthConfig.TokenSource(ctx, token)),
		tokenStore: tokenStore,
		lastToken:  token,
	}
	return oauth2.NewClient(ctx, source)
}

// Authorize runs the browser consent flow with a local callback server and
// stores the resulting token. Instructions are written to out.
func Authorize(ctx context.Context, oauthConfig *oauth2.Config, tokenStore TokenStore, out io.Writer) (*http.Client, error) {
	state := uuid.NewString()
	redirectURL, codeChan, errorChan, err := startLocalServer(state)
	if err != nil {
		return nil, err
	}

	cfg := *oauthConfig
	cfg.RedirectURL = redirectURL
	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	fmt.Fprintf(out, "Listening for the authorization callback on %s\n", redirectURL)
	if redirectURL != "http://127.0.0.1:8080" {
		fmt.Fprintf(out, "Note: port 8080 was unavailable. Add %s to the authorized redirect URIs of the OAuth client.\n", redirectURL)
	}
	fmt.Fprintf(out, "\nVisit the following URL to authorize calensync:\n%s\n\nWaiting for authorization...\n", authURL)

	var code string
	select {
	case code = <-codeChan:
	case err := <-errorChan:
		return nil, fmt.Errorf("failed to receive authorization code: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Minute):
		return nil, fmt.Errorf("authorization timeout: no response received within 5 minutes")
	}

	return exchange(ctx, &cfg, tokenStore, code, out)
}

// AuthorizeWithReader runs the out-of-band flow: the user pastes the code
// into r. Used on headless hosts.
func AuthorizeWithReader(ctx context.Context, oauthConfig *oauth2.Config, tokenStore TokenStore, r io.Reader, out io.Writer) (*http.Client, error) {
	authURL := oauthConfig.AuthCodeURL(uuid.NewString(), oauth2.AccessTypeOffline)
	fmt.Fprintf(out, "Visit the following URL to authorize calensync:\n%s\nEnter the authorization code: ", authURL)

	var code string
	if _, err := fmt.Fscanln(r, &code); err != nil {
		return nil, fmt.Errorf("failed to read authorization code: %w", err)
	}
	return exchange(ctx, oauthConfig, tokenStore, code, out)
}

func exchange(ctx context.Context, oauthConfig *oauth2.Config, tokenStore TokenStore, code string, out io.Writer) (*http.Client, error) {
	if code == "" {
		return nil, fmt.Errorf("no authorization code received")
	}
	token, err := oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	if err := tokenStore.SaveToken(token); err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}
	fmt.Fprintln(out, "Authorization successful!")
	return clientFor(ctx, oauthConfig, tokenStore, token), nil
}

// startLocalServer serves the OAuth callback on 127.0.0.1:8080, or a random
// port if 8080 is taken. Callbacks with the wrong state are rejected.
func startLocalServer(state string) (string, <-chan string, <-chan error, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:8080")
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return "", nil, nil, fmt.Errorf("failed to start local server: %w", err)
		}
	}

	port := listener.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d", port)

	codeChan := make(chan string, 1)
	errorChan := make(chan error, 1)

	server := &http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  10 * time.Second,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		case q.Get("code") != "":
			fmt.Fprint(w, "<html><body><h1>Authorization successful!</h1><p>You can close this window.</p></body></html>")
			codeChan <- q.Get("code")
		case q.Get("error") != "":
			fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>Error: %s</p></body></html>", q.Get("error"))
			errorChan <- fmt.Errorf("authorization error: %s", q.Get("error"))
		default:
			fmt.Fprint(w, "<html><body><h1>No authorization code received</h1></body></html>")
			errorChan <- fmt.Errorf("no authorization code received")
		}
		go func() {
			time.Sleep(time.Second)
			server.Shutdown(context.Background())
		}()
	})
	server.Handler = mux

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errorChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	return redirectURL, codeChan, errorChan, nil
}
