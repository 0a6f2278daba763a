package xproc

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// EnvPodName K8s Downward API 注入的 Pod 名称
	EnvPodName = "POD_NAME"
	// EnvHostname 主机名环境变量
	EnvHostname = "HOSTNAME"

	unknownMachine = "unknown"
)

// 测试注入点
var (
	osExecutable = os.Executable
	osHostname   = os.Hostname
	osGetenv     = os.Getenv
)

var (
	processNameOnce  sync.Once
	processNameValue string

	machineNameOnce  sync.Once
	machineNameValue string
)

// ProcessID 返回当前进程 ID。
func ProcessID() int {
	return os.Getpid()
}

func baseName(path string) string {
	name := filepath.Base(path)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

func resolveProcessName() string {
	if exe, err := osExecutable(); err == nil && exe != "" {
		if name := baseName(exe); name != "" {
			return name
		}
	}
	if len(os.Args) == 0 || os.Args[0] == "" {
		return ""
	}
	return baseName(os.Args[0])
}

// ProcessName 返回当前进程名称（不含路径），首次调用后缓存。
// 所有来源均无效时返回空字符串。
func ProcessName() string {
	processNameOnce.Do(func() {
		processNameValue = resolveProcessName()
	})
	return processNameValue
}

// resolveMachineName 按 POD_NAME → HOSTNAME → os.Hostname() 的顺序取机器名。
func resolveMachineName() string {
	for _, key := range []string{EnvPodName, EnvHostname} {
		if v := strings.TrimSpace(osGetenv(key)); v != "" {
			return v
		}
	}
	if h, err := osHostname(); err == nil && strings.TrimSpace(h) != "" {
		return strings.TrimSpace(h)
	}
	return unknownMachine
}

// MachineName 返回锁持有者记录中使用的机器名，首次调用后缓存，永不为空。
//
// 设计决策: 机器名 + PID 组成锁的持有者身份，续租与释放都以它为条件。
// 同一进程内的多个 Manager 共享这一身份，区分它们靠 fencing token。
func MachineName() string {
	machineNameOnce.Do(func() {
		machineNameValue = resolveMachineName()
	})
	return machineNameValue
}

// Owner 进程的持有者身份
type Owner struct {
	Machine string
	PID     int64
}

// CurrentOwner 返回 MachineName() 与 ProcessID() 组成的身份
func CurrentOwner() Owner {
	return Owner{Machine: MachineName(), PID: int64(ProcessID())}
}
