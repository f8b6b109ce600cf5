package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// CallbackServer is a transient loopback HTTP listener that receives a
// single OAuth authorization-code redirect on /callback.
type CallbackServer struct {
	listener      net.Listener
	server        *http.Server
	expectedState string

	codeChan chan string
	errChan  chan error
}

// StartCallbackServer binds 127.0.0.1 on an ephemeral port and begins
// serving. The bound port is available via Port and must be embedded in
// the redirect URI registered with the authorization server.
func StartCallbackServer(expectedState string) (*CallbackServer, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("binding loopback listener: %w", err)
	}

	s := &CallbackServer{
		listener:      listener,
		expectedState: expectedState,
		codeChan:      make(chan string, 1),
		errChan:       make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.errChan <- fmt.Errorf("callback server: %w", err)
		}
	}()

	return s, nil
}

// Port returns the bound loopback port.
func (s *CallbackServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// RedirectURI returns the redirect URI to register with the server.
func (s *CallbackServer) RedirectURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d/callback", s.Port())
}

// WaitForCode blocks until the redirect arrives, the context is done, or
// the timeout elapses.
func (s *CallbackServer) WaitForCode(ctx context.Context, timeout time.Duration) (string, error) {
	select {
	case code := <-s.codeChan:
		return code, nil
	case err := <-s.errChan:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(timeout):
		return "", fmt.Errorf("timed out waiting for OAuth callback")
	}
}

// Stop shuts the listener down.
func (s *CallbackServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errMsg := q.Get("error"); errMsg != "" {
		s.deliverErr(fmt.Errorf("authorization denied: %s (%s)", errMsg, q.Get("error_description")))
		s.renderResponse(w, false, "Authorization failed: "+errMsg)
		return
	}

	if state := q.Get("state"); state != s.expectedState {
		s.deliverErr(fmt.Errorf("state mismatch in OAuth callback"))
		s.renderResponse(w, false, "Invalid state parameter")
		return
	}

	code := q.Get("code")
	if code == "" {
		s.deliverErr(fmt.Errorf("no authorization code in callback"))
		s.renderResponse(w, false, "No authorization code received")
		return
	}

	select {
	case s.codeChan <- code:
	default:
	}
	s.renderResponse(w, true, "Authorization complete. You can close this window.")
}

func (s *CallbackServer) deliverErr(err error) {
	select {
	case s.errChan <- err:
	default:
	}
}

func (s *CallbackServer) renderResponse(w http.ResponseWriter, success bool, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	title := "Authorization Failed"
	if success {
		title = "Authorization Successful"
	}

	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>loom - %s</title>
<style>
body { font-family: -apple-system, "Segoe UI", Roboto, sans-serif;
       display: flex; justify-content: center; align-items: center;
       height: 100vh; margin: 0; background: #1a1a1a; color: #fff; }
.card { text-align: center; padding: 40px; background: #2d2d2d; border-radius: 12px; }
p { color: #b0b0b0; font-size: 14px; }
</style>
</head>
<body><div class="card"><h1>%s</h1><p>%s</p></div></body>
</html>`, title, title, message)
}
