// Package daemon backgrounds the server process, the Go equivalent of the
// original's fork()/setsid() daemonization (udpst.c "Execute as daemon if
// requested"). Go's runtime forbids a safe raw fork in a multi-threaded
// process, so Daemonize re-execs the binary with a detached session leader
// instead: the parent starts a copy of itself with Setsid set and returns as
// soon as the child has started, without waiting for it to become ready; the
// child keeps running with stdin on /dev/null and stdout/stderr on a
// rotating log file.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"
)

// reexecEnv is set in the child's environment so Daemonize can tell it's
// already the detached copy and should not fork again.
const reexecEnv = "UDPCAP_DAEMON_CHILD=1"

// IsChild reports whether this process is already the re-exec'd daemon
// child (set by Daemonize before starting it).
func IsChild() bool {
	return os.Getenv("UDPCAP_DAEMON_CHILD") == "1"
}

// Daemonize re-execs the current process as a detached session leader
// logging to logPath (rotated once it exceeds maxKB), then returns so the
// caller can exit the parent. It must be called before any other setup that would be lost on
// re-exec (listeners, goroutines); callers check IsChild() first and skip
// Daemonize entirely once already running as the child.
//
// maxKB <= 0 leaves lumberjack's MaxSize at 0, which lumberjack treats as
// its 100 MB default, so the log still rotates at that size.
func Daemonize(logPath string, maxKB int) error {
	if logPath == "" {
		return fmt.Errorf("daemon: log file path required when daemonizing")
	}

	writer := &lumberjack.Logger{
		Filename: logPath,
		MaxSize:  maxSizeMB(maxKB),
		Compress: false,
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("daemon: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), reexecEnv)
	cmd.Stdin = devNull
	cmd.Stdout = writer
	cmd.Stderr = writer
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Dir = "/"

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemon: start detached child: %w", err)
	}
	return nil
}

// maxSizeMB converts the configured KB cap to lumberjack's MB unit,
// truncating to whole MB with a floor of 1 MB so a small configured cap
// still rotates; maxKB <= 0 yields 0 (lumberjack's 100 MB default).
func maxSizeMB(maxKB int) int {
	if maxKB <= 0 {
		return 0
	}
	mb := maxKB / 1024
	if mb < 1 {
		mb = 1
	}
	return mb
}
