package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"drover/internal/apperr"
	"drover/internal/observability"
)

// listenWithTakeover binds the address. When the port is already held and
// takeover is allowed, the previous holder is asked to exit (SIGTERM) and the
// bind is retried for a few seconds before giving up.
func listenWithTakeover(ctx context.Context, addr string, port int, allowTakeover bool, log *observability.Logger) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, nil
	}
	if !isAddrInUse(err) {
		return nil, apperr.Wrap(apperr.KindDriver, err, "bind %s", addr)
	}
	if !allowTakeover {
		return nil, apperr.Wrap(apperr.KindConflict, err, "port %d is in use", port)
	}

	pids, perr := findProcessOnPort(port)
	if perr != nil || len(pids) == 0 {
		return nil, apperr.Wrap(apperr.KindConflict, err, "port %d is in use and the holder could not be identified", port)
	}
	for _, pid := range pids {
		log.Warn("terminating previous listener", "port", port, "pid", pid)
		if kerr := terminateProcess(pid); kerr != nil {
			log.Warn("failed to signal process", "pid", pid, "error", kerr)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
		if ln, err = net.Listen("tcp", addr); err == nil {
			return ln, nil
		}
	}
	return nil, apperr.Wrap(apperr.KindConflict, err, "port %d still in use after takeover", port)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// findProcessOnPort returns the PIDs listening on the TCP port.
func findProcessOnPort(port int) ([]int, error) {
	if runtime.GOOS == "windows" {
		out, err := exec.Command("netstat", "-ano").Output()
		if err != nil {
			return nil, err
		}
		return parseNetstatPIDs(string(out), port), nil
	}
	out, err := exec.Command("lsof", fmt.Sprintf("-tiTCP:%d", port), "-sTCP:LISTEN").Output()
	if err != nil {
		// lsof exits nonzero when nothing matches.
		return nil, nil
	}
	return parseLsofPIDs(string(out)), nil
}

func parseLsofPIDs(out string) []int {
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}

func parseNetstatPIDs(out string, port int) []int {
	needle := ":" + strconv.Itoa(port)
	seen := map[int]bool{}
	var pids []int
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != "TCP" {
			continue
		}
		if !strings.HasSuffix(fields[1], needle) || fields[3] != "LISTENING" {
			continue
		}
		pid, err := strconv.Atoi(fields[4])
		if err != nil || pid <= 0 || seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
	}
	return pids
}

func terminateProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if runtime.GOOS == "windows" {
		return proc.Kill()
	}
	return proc.Signal(syscall.SIGTERM)
}
