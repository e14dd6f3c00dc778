package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"mvdan.cc/sh/v3/shell"

	"github.com/Mearman/claudia/internal/policy"
)

// probeRead opens target read-only. Directories are listed, files read one
// byte, so primitives that check at read time are exercised too.
func probeRead(target string) (string, error) {
	f, err := os.Open(target)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		if _, err := f.Readdirnames(1); err != nil && err != io.EOF {
			return "", err
		}
		return "listed directory", nil
	}
	buf := make([]byte, 1)
	if _, err := f.Read(buf); err != nil && err != io.EOF {
		return "", err
	}
	return "read file", nil
}

// probeWrite opens an existing file for writing without truncating it, or
// creates target exclusively and removes it again. For a directory it creates
// and removes a temporary file inside it. Nothing the probe creates outlives it.
func probeWrite(target string) (string, error) {
	info, err := os.Stat(target)
	switch {
	case err == nil && info.IsDir():
		f, err := os.CreateTemp(target, ".probe-*")
		if err != nil {
			return "", err
		}
		name := f.Name()
		cerr := f.Close()
		if rerr := os.Remove(name); rerr != nil {
			log.Warn("probe file %s left behind: %v", name, rerr)
		}
		return "created and removed " + name, cerr
	case err == nil:
		f, err := os.OpenFile(target, os.O_WRONLY, 0)
		if err != nil {
			return "", err
		}
		return "opened existing file", f.Close()
	case errors.Is(err, os.ErrNotExist):
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return "", err
		}
		cerr := f.Close()
		if rerr := os.Remove(target); rerr != nil {
			log.Warn("probe file %s left behind: %v", target, rerr)
		}
		return "created and removed", cerr
	default:
		return "", err
	}
}

// probeExecute starts the command line in target and kills it once it runs.
// A denied exec fails in Start.
func probeExecute(ctx context.Context, target string, timeout time.Duration) (string, error) {
	argv, err := shell.Fields(target, os.Getenv)
	if err != nil {
		return "", fmt.Errorf("parsing command %q: %w", target, err)
	}
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command %q: %w", target, errIndeterminate)
	}
	return startAndReap(ctx, timeout, argv[0], argv[1:]...)
}

func startAndReap(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Start(); err != nil {
		return "", err
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	return fmt.Sprintf("started pid %d", pid), nil
}

// probeConnect dials target over TCP. Hostnames resolved by Prepare are
// dialled by address; others are resolved now with a resolver whose own
// dial errors are kept, so a refused DNS socket is reported as a denial.
func (e *Engine) probeConnect(ctx context.Context, target string) (string, error) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errIndeterminate, err)
	}
	if host == "" || host == "*" || port == "*" {
		return "", fmt.Errorf("connect target %q needs a concrete host and port: %w", target, errIndeterminate)
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.ConnectTimeout)
	defer cancel()

	addrs := []string{host}
	if net.ParseIP(host) == nil {
		if ips, ok := e.lookup(host); ok {
			addrs = ips
		} else {
			ips, err := resolveInSandbox(ctx, host)
			if err != nil {
				return "", err
			}
			addrs = ips
		}
	}

	d := net.Dialer{}
	var lastErr error
	for _, a := range addrs {
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(a, port))
		if err == nil {
			remote := conn.RemoteAddr().String()
			conn.Close()
			return "connected to " + remote, nil
		}
		// A denial on any address is the observation that matters.
		if Classify(err) == Deny {
			return "", err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %s: %w", host, errIndeterminate)
	}
	return "", lastErr
}

func resolveInSandbox(ctx context.Context, host string) ([]string, error) {
	var (
		mu      sync.Mutex
		dialErr error
	)
	r := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, network, address)
			if err != nil {
				mu.Lock()
				dialErr = err
				mu.Unlock()
			}
			return conn, err
		},
	}
	addrs, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		mu.Lock()
		defer mu.Unlock()
		if dialErr != nil && Classify(dialErr) == Deny {
			return nil, fmt.Errorf("resolving %s: %w", host, dialErr)
		}
		return nil, fmt.Errorf("resolving %s: %v: %w", host, err, errIndeterminate)
	}
	ips := make([]string, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP.String())
	}
	return ips, nil
}

// probeSyscall runs the side-effect-free probe for a system call.
func probeSyscall(target string) (string, error) {
	name, _, err := policy.ParseSyscallTarget(target)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, errIndeterminate)
	}
	return invokeSyscall(name)
}
