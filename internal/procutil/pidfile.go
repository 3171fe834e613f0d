package procutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"captchabridge/internal/logger"
)

// PIDFile 记录子进程 pid 的临时文件，供下一次启动回收孤儿进程
type PIDFile struct {
	Path string
}

// NewPIDFile 创建 pid 文件句柄，空路径时使用系统临时目录
func NewPIDFile(path, name string) *PIDFile {
	if path == "" {
		path = filepath.Join(os.TempDir(), name+".pid")
	}
	return &PIDFile{Path: path}
}

// Write 写入 pid
func (p *PIDFile) Write(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)), 0o600)
}

// Read 读取 pid，文件不存在或内容非法时返回 0
func (p *PIDFile) Read() int {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// Remove 删除 pid 文件
func (p *PIDFile) Remove() {
	_ = os.Remove(p.Path)
}

// Reconcile 启动前回收上次崩溃遗留的进程
//
//  1. 读取 pid 文件，若进程仍存活则杀掉整个进程组
//  2. 扫描进程表，杀掉命令行包含 signature 的进程
func Reconcile(pf *PIDFile, signature string, log logger.Logger) int {
	if log == nil {
		log = logger.NewNop()
	}
	killed := 0
	if pf != nil {
		if pid := pf.Read(); pid > 0 {
			pf.Remove()
			if pid != os.Getpid() && IsAlive(pid) {
				log.Warn("发现遗留进程，正在清理", "pid", pid, "pidFile", pf.Path)
				KillGroup(pid)
				killed++
			}
		}
	}
	if signature != "" {
		for _, pid := range findBySignature(signature) {
			log.Warn("发现匹配特征的孤儿进程，正在清理", "pid", pid, "signature", signature)
			KillGroup(pid)
			killed++
		}
	}
	return killed
}
