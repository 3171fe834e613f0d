package cdp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"captchabridge/internal/procutil"
	"captchabridge/pkg/model"
)

// BrowserExecutable 找到的浏览器可执行文件
type BrowserExecutable struct {
	Kind string
	Path string
}

// RunningChrome 运行中的 Chrome 实例
type RunningChrome struct {
	PID         int
	Executable  *BrowserExecutable
	UserDataDir string
	DevToolsURL string
	StartedAt   time.Time
	cmd         *exec.Cmd
}

// FindChromeExecutable 查找本机 Chrome/Chromium
func FindChromeExecutable(customPath string) (*BrowserExecutable, error) {
	if customPath != "" {
		if !fileExists(customPath) {
			return nil, fmt.Errorf("browser executable not found: %s", customPath)
		}
		return &BrowserExecutable{Kind: "custom", Path: customPath}, nil
	}

	var candidates [][2]string
	switch runtime.GOOS {
	case "darwin":
		home := os.Getenv("HOME")
		candidates = [][2]string{
			{"chrome", "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"},
			{"chrome", filepath.Join(home, "Applications/Google Chrome.app/Contents/MacOS/Google Chrome")},
			{"edge", "/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge"},
			{"chromium", "/Applications/Chromium.app/Contents/MacOS/Chromium"},
		}
	case "linux":
		candidates = [][2]string{
			{"chrome", "/usr/bin/google-chrome"},
			{"chrome", "/usr/bin/google-chrome-stable"},
			{"chromium", "/usr/bin/chromium"},
			{"chromium", "/usr/bin/chromium-browser"},
			{"chromium", "/snap/bin/chromium"},
			{"edge", "/usr/bin/microsoft-edge"},
		}
	case "windows":
		local := os.Getenv("LOCALAPPDATA")
		pf := os.Getenv("ProgramFiles")
		pf86 := os.Getenv("ProgramFiles(x86)")
		candidates = [][2]string{
			{"chrome", filepath.Join(local, `Google\Chrome\Application\chrome.exe`)},
			{"chrome", filepath.Join(pf, `Google\Chrome\Application\chrome.exe`)},
			{"chrome", filepath.Join(pf86, `Google\Chrome\Application\chrome.exe`)},
			{"edge", filepath.Join(pf86, `Microsoft\Edge\Application\msedge.exe`)},
		}
	default:
		return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	for _, c := range candidates {
		if fileExists(c[1]) {
			return &BrowserExecutable{Kind: c[0], Path: c[1]}, nil
		}
	}
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "chrome"} {
		if p, err := exec.LookPath(name); err == nil {
			return &BrowserExecutable{Kind: "path", Path: p}, nil
		}
	}
	return nil, fmt.Errorf("no supported browser found (Chrome/Edge/Chromium)")
}

// LaunchChrome 使用全新的临时用户目录启动 Chrome 并等待调试端口就绪
func LaunchChrome(ctx context.Context, opts model.BrowserOptions) (*RunningChrome, error) {
	exe, err := FindChromeExecutable(opts.ExecutablePath)
	if err != nil {
		return nil, err
	}

	prefix := opts.ProfilePrefix
	if prefix == "" {
		prefix = "captchad-profile-"
	}
	userDataDir, err := os.MkdirTemp("", prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to create user data dir: %w", err)
	}

	cmd := exec.Command(exe.Path, buildChromeArgs(userDataDir, opts)...)
	procutil.SetProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(userDataDir)
		return nil, fmt.Errorf("failed to start Chrome: %w", err)
	}

	running := &RunningChrome{
		PID:         cmd.Process.Pid,
		Executable:  exe,
		UserDataDir: userDataDir,
		StartedAt:   time.Now(),
		cmd:         cmd,
	}

	port, err := waitDevToolsPort(ctx, userDataDir, 20*time.Second)
	if err != nil {
		running.Stop()
		return nil, err
	}
	running.DevToolsURL = "http://127.0.0.1:" + strconv.Itoa(port)
	return running, nil
}

// Stop 结束 Chrome 进程组并删除临时用户目录
func (r *RunningChrome) Stop() {
	if r == nil {
		return
	}
	procutil.StopGroup(r.cmd, 3*time.Second)
	if r.UserDataDir != "" {
		_ = os.RemoveAll(r.UserDataDir)
	}
}

func buildChromeArgs(userDataDir string, opts model.BrowserOptions) []string {
	args := []string{
		"--remote-debugging-port=0",
		"--user-data-dir=" + userDataDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-sync",
		"--disable-background-networking",
		"--disable-component-update",
		"--disable-features=Translate,MediaRouter",
		"--disable-blink-features=AutomationControlled",
		"--disable-session-crashed-bubble",
		"--hide-crash-restore-bubble",
		"--password-store=basic",
		"--window-size=1280,800",
	}
	if opts.Headless {
		args = append(args, "--headless=new", "--disable-gpu")
	}
	if opts.NoSandbox {
		args = append(args, "--no-sandbox", "--disable-setuid-sandbox")
	}
	if runtime.GOOS == "linux" {
		args = append(args, "--disable-dev-shm-usage")
	}
	if opts.Proxy != nil {
		args = append(args, "--proxy-server="+opts.Proxy.ServerArg())
	}
	return append(args, "about:blank")
}

// waitDevToolsPort 读取 Chrome 写入用户目录的 DevToolsActivePort 文件
func waitDevToolsPort(ctx context.Context, userDataDir string, timeout time.Duration) (int, error) {
	path := filepath.Join(userDataDir, "DevToolsActivePort")
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil {
			line, _, _ := strings.Cut(string(data), "\n")
			if port, err := strconv.Atoi(strings.TrimSpace(line)); err == nil && port > 0 {
				return port, nil
			}
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return 0, fmt.Errorf("chrome devtools did not start within %s", timeout)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
