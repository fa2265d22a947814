package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/netward/netward/pkg/core"
)

// fallbackCommands is the static allowlist for the restricted command
// channel. It is the single source of truth for which operation kinds may
// use the fallback at all; higher-level policy lives in the validator.
var fallbackCommands = map[core.OperationKind]string{
	core.OpSetConfig:      "cfg-apply",
	core.OpRestartService: "svc-restart",
	core.OpRunDiagnostic:  "diag-run",
	// update-firmware is deliberately absent: firmware pushes require the
	// structured API's integrity checks and must fail rather than fall back.
}

// FallbackCommand resolves the allowlisted command for an operation kind.
func FallbackCommand(kind core.OperationKind) (string, bool) {
	cmd, ok := fallbackCommands[kind]
	return cmd, ok
}

// CommandRunner is the restricted command channel of a device. Only
// allowlisted, sanitized commands ever reach Run.
type CommandRunner interface {
	Run(ctx context.Context, device *core.Device, creds core.Credentials, command string, args []string) ([]byte, error)
}

// SSHCommandRunner runs restricted commands over SSH.
type SSHCommandRunner struct {
	port    int
	timeout time.Duration
}

// NewSSHCommandRunner creates a runner dialing the device on the given port.
func NewSSHCommandRunner(port int, timeout time.Duration) *SSHCommandRunner {
	if port <= 0 {
		port = 22
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &SSHCommandRunner{port: port, timeout: timeout}
}

// Run executes one allowlisted command on the device and returns its stdout.
// Callers must sanitize args before Run; Run re-checks as a last line of
// defense since a connection is about to be opened.
func (r *SSHCommandRunner) Run(ctx context.Context, device *core.Device, creds core.Credentials, command string, args []string) ([]byte, error) {
	if err := SanitizeArgs(args); err != nil {
		return nil, err
	}

	host := device.Address
	if h, _, err := net.SplitHostPort(device.Address); err == nil {
		host = h
	}
	address := net.JoinHostPort(host, fmt.Sprintf("%d", r.port))

	clientConfig := &ssh.ClientConfig{
		User: creds.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(creds.Secret),
		},
		// Device host keys are tracked by the external registry, not here.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         r.timeout,
	}

	client, err := dialWithContext(ctx, address, clientConfig)
	if err != nil {
		return nil, classifySSHError(device.ID, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, core.WrapError(core.ErrUnreachable, "failed to open command session", err).WithDevice(device.ID)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	line := command
	if len(args) > 0 {
		line = command + " " + strings.Join(args, " ")
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, core.WrapError(core.ErrTimeout, "command channel call timed out", ctx.Err()).WithDevice(device.ID)
	case err = <-done:
	}
	if err != nil {
		return nil, core.WrapError(core.ErrDeviceRejected, "device rejected the command", err).WithDevice(device.ID)
	}
	return stdout.Bytes(), nil
}

// dialWithContext runs ssh.Dial under the context deadline.
func dialWithContext(ctx context.Context, address string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, cfg)
		ch <- dialResult{client, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.client, r.err
	}
}

func classifySSHError(deviceID string, err error) *core.CoreError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return core.WrapError(core.ErrTimeout, "command channel dial timed out", err).WithDevice(deviceID)
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return core.NewError(core.ErrDeviceAuth, "device rejected the supplied credentials").WithDevice(deviceID)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.WrapError(core.ErrTimeout, "command channel dial timed out", err).WithDevice(deviceID)
	}
	return core.WrapError(core.ErrUnreachable, "device command channel unreachable", err).WithDevice(deviceID)
}
