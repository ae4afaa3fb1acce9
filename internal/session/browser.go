package session

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"github.com/goccy/go-json"
)

var devtoolsURLRe = regexp.MustCompile(`DevTools listening on (ws://\S+)`)

// Browser is one launched browser process with a connection-scoped
// profile directory, so the provider's auth cookies survive restarts.
type Browser struct {
	cmd      *exec.Cmd
	httpAddr string
	dataDir  string
	log      *slog.Logger
}

// LaunchBrowser starts a headless browser for a connection and waits for
// its DevTools endpoint to come up.
func LaunchBrowser(ctx context.Context, bin, sessionsDir, connectionID string, log *slog.Logger) (*Browser, error) {
	dataDir := filepath.Join(sessionsDir, connectionID)

	cmd := exec.CommandContext(ctx, bin,
		"--headless=new",
		"--remote-debugging-port=0",
		"--user-data-dir="+dataDir,
		"--no-sandbox",
		"--disable-setuid-sandbox",
		"--disable-dev-shm-usage",
		"--disable-gpu",
		"--disable-blink-features=AutomationControlled",
		"--window-size=1280,720",
		"--lang=pt-BR",
		"about:blank",
	)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open browser stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}

	wsURL, err := waitForDevTools(ctx, stderr)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	u, err := url.Parse(wsURL)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("parse devtools url %q: %w", wsURL, err)
	}

	// Drain the rest of stderr so the process cannot block on a full pipe.
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
		}
	}()

	log.Info("browser launched", "connection_id", connectionID, "devtools", u.Host)
	return &Browser{cmd: cmd, httpAddr: u.Host, dataDir: dataDir, log: log}, nil
}

func waitForDevTools(ctx context.Context, stderr interface{ Read([]byte) (int, error) }) (string, error) {
	type scanResult struct {
		url string
		err error
	}
	ch := make(chan scanResult, 1)
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			if m := devtoolsURLRe.FindStringSubmatch(sc.Text()); m != nil {
				ch <- scanResult{url: m[1]}
				return
			}
		}
		ch <- scanResult{err: fmt.Errorf("browser exited before devtools endpoint appeared")}
	}()

	select {
	case r := <-ch:
		return r.url, r.err
	case <-time.After(30 * time.Second):
		return "", fmt.Errorf("timed out waiting for devtools endpoint")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type targetInfo struct {
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// PageWebSocketURL finds the first page target's debugger URL.
func (b *Browser) PageWebSocketURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+b.httpAddr+"/json/list", nil)
	if err != nil {
		return "", fmt.Errorf("build target list request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("list browser targets: %w", err)
	}
	defer resp.Body.Close()

	var targets []targetInfo
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return "", fmt.Errorf("decode browser targets: %w", err)
	}
	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, nil
		}
	}
	return "", fmt.Errorf("no page target available")
}

// Close kills the browser process. Idempotent enough for teardown paths.
func (b *Browser) Close() error {
	if b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
	_ = b.cmd.Wait()
	return nil
}
