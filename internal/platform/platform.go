package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Platform represents the detected platform
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWSL1    Platform = "wsl1"
	PlatformWSL2    Platform = "wsl2"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

var (
	detectOnce       sync.Once
	detectedPlatform Platform
)

// Detect returns the current platform, caching the result
func Detect() Platform {
	detectOnce.Do(func() {
		detectedPlatform = detectPlatform()
	})
	return detectedPlatform
}

func detectPlatform() Platform {
	switch runtime.GOOS {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		return detectLinuxOrWSL()
	default:
		return PlatformUnknown
	}
}

// detectLinuxOrWSL distinguishes between native Linux and WSL (1 or 2)
func detectLinuxOrWSL() Platform {
	if os.Getenv("WSL_DISTRO_NAME") != "" {
		return detectWSLVersion()
	}

	procVersion, err := os.ReadFile("/proc/version")
	if err != nil {
		return PlatformLinux
	}

	versionStr := string(procVersion)
	if strings.Contains(versionStr, "microsoft") || strings.Contains(versionStr, "Microsoft") {
		return detectWSLVersion()
	}

	return PlatformLinux
}

func detectWSLVersion() Platform {
	procVersion, err := os.ReadFile("/proc/version")
	if err == nil {
		versionStr := string(procVersion)
		if strings.Contains(versionStr, "microsoft-standard") {
			return PlatformWSL2
		}
		if strings.Contains(versionStr, "Microsoft") {
			return PlatformWSL1
		}
	}

	// /run/WSL and /dev/vsock only exist under WSL2
	if _, err := os.Stat("/run/WSL"); err == nil {
		return PlatformWSL2
	}
	if _, err := os.Stat("/dev/vsock"); err == nil {
		return PlatformWSL2
	}

	return PlatformWSL1
}

// IsWSL returns true if running in any WSL environment
func IsWSL() bool {
	p := Detect()
	return p == PlatformWSL1 || p == PlatformWSL2
}

// IsPOSIX reports whether processes are spawned with POSIX shell semantics.
// WSL counts: the host spawns Linux binaries there.
func IsPOSIX() bool {
	return Detect() != PlatformWindows
}

// String returns a human-readable platform name
func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macOS"
	case PlatformLinux:
		return "Linux"
	case PlatformWSL1:
		return "WSL1"
	case PlatformWSL2:
		return "WSL2"
	case PlatformWindows:
		return "Windows"
	default:
		return "Unknown"
	}
}

// DefaultShell returns the shell used when a spawn request does not name one:
// $SHELL on POSIX (falling back to /bin/sh), %COMSPEC% on Windows
// (falling back to powershell.exe).
func DefaultShell() string {
	if !IsPOSIX() {
		if comspec := strings.TrimSpace(os.Getenv("COMSPEC")); comspec != "" {
			return comspec
		}
		return "powershell.exe"
	}
	if shell := strings.TrimSpace(os.Getenv("SHELL")); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// loginShells are the interactive shells that accept -l.
var loginShells = map[string]bool{
	"bash": true,
	"zsh":  true,
	"fish": true,
	"sh":   true,
	"ksh":  true,
	"dash": true,
}

// LoginArgs returns the arguments that start shell as a login shell, or nil
// when the shell is not recognized or the platform is not POSIX.
func LoginArgs(shell string) []string {
	if !IsPOSIX() {
		return nil
	}
	if IsLoginShell(shell) {
		return []string{"-l"}
	}
	return nil
}

// IsLoginShell reports whether shell (a name or path) is a recognized
// interactive shell.
func IsLoginShell(shell string) bool {
	base := filepath.Base(strings.TrimSpace(shell))
	return loginShells[base]
}

// CheckFsnotifySupport reports whether path lives on a filesystem where
// fsnotify events are unreliable (9p, nfs, cifs, sshfs). It returns a warning
// message, or "" when fsnotify should work normally.
func CheckFsnotifySupport(path string) string {
	if runtime.GOOS != "linux" {
		return ""
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return ""
	}

	mounts, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return ""
	}
	return fsnotifyWarning(absPath, string(mounts))
}

// fsnotifyWarning picks the longest mountpoint containing absPath out of a
// /proc/mounts listing and maps its filesystem type to a warning.
func fsnotifyWarning(absPath, mounts string) string {
	var matchedMount, matchedFsType string
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		mountPoint := fields[1]
		if strings.HasPrefix(absPath, mountPoint) && len(mountPoint) > len(matchedMount) {
			matchedMount = mountPoint
			matchedFsType = fields[2]
		}
	}

	switch {
	case matchedFsType == "9p":
		return "config on 9p mount (WSL2 Windows filesystem): live reload disabled, restart to apply changes"
	case matchedFsType == "nfs" || matchedFsType == "nfs4":
		return "config on NFS mount: live reload may miss changes"
	case matchedFsType == "cifs" || matchedFsType == "smbfs":
		return "config on CIFS/SMB mount: live reload may miss changes"
	case strings.HasPrefix(matchedFsType, "fuse.sshfs"):
		return "config on SSHFS mount: live reload disabled, restart to apply changes"
	}
	return ""
}
