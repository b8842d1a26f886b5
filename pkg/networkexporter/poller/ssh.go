package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/vpbank/network_exporter/models"
	"github.com/vpbank/network_exporter/pkg/networkexporter/config"
)

const jsonDisplay = "| display json"

// ─────────────────────────────────────────────────────────────────────────────
// sshDevice: CLI over SSH with JSON output
// ─────────────────────────────────────────────────────────────────────────────

// sshDevice runs req.Command with "| display json" appended and decodes the
// reply. Junos wraps every leaf as [{"data": v}]; those wrappers are removed
// so the reply reads like a plain nested record.
type sshDevice struct {
	cfg    config.DeviceConfig
	client *ssh.Client // set by Connect, read-only afterwards
	closed atomic.Bool
}

func newSSHDevice(cfg config.DeviceConfig) (*sshDevice, error) {
	if cfg.Username == "" {
		return nil, errors.New("ssh device requires a username")
	}
	return &sshDevice{cfg: cfg}, nil
}

func (d *sshDevice) Connect(ctx context.Context) error {
	clientCfg, err := d.clientConfig()
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: d.cfg.QueryTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", d.cfg.Address())
	if err != nil {
		return sshError("dial", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(d.cfg.QueryTimeout()))
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, d.cfg.Address(), clientCfg)
	if err != nil {
		_ = conn.Close()
		return sshError("handshake", err)
	}
	_ = conn.SetDeadline(time.Time{})
	d.client = ssh.NewClient(c, chans, reqs)
	return nil
}

func (d *sshDevice) Query(ctx context.Context, req models.Request, timeout time.Duration) (map[string]any, error) {
	if d.closed.Load() || d.client == nil {
		return nil, fmt.Errorf("ssh %s: %w: not connected", d.cfg.Name, ErrTransport)
	}
	if req.Command == "" {
		return nil, fmt.Errorf("ssh %s: request has no command", d.cfg.Name)
	}

	session, err := d.client.NewSession()
	if err != nil {
		return nil, sshError("session", err)
	}
	defer session.Close()

	cmd := req.Command
	if !strings.Contains(cmd, "display json") {
		cmd += " " + jsonDisplay
	}
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("ssh %s %q: %w: %v: %s", d.cfg.Name, req.Command, ErrTransport, err, strings.TrimSpace(stderr.String()))
		}
	case <-timer.C:
		_ = session.Close()
		return nil, fmt.Errorf("ssh %s %q: %w after %s", d.cfg.Name, req.Command, ErrTimeout, timeout)
	case <-ctx.Done():
		_ = session.Close()
		return nil, queryContextError(fmt.Sprintf("ssh %s %q", d.cfg.Name, req.Command), ctx.Err())
	}

	return DecodeCLIReply(stdout.Bytes())
}

// queryContextError reports a query ended by its context: a deadline is a
// timeout, a cancellation keeps context.Canceled.
func queryContextError(prefix string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", prefix, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", prefix, err)
}

func (d *sshDevice) Disconnect() error {
	if d.closed.Swap(true) || d.client == nil {
		return nil
	}
	return d.client.Close()
}

// Healthy sends a keepalive request; any answer means the session is alive.
func (d *sshDevice) Healthy() bool {
	if d.closed.Load() || d.client == nil {
		return false
	}
	_, _, err := d.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

func (d *sshDevice) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if d.cfg.KeyFile != "" {
		key, err := os.ReadFile(d.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				return nil, fmt.Errorf("key file %s is encrypted: %w", d.cfg.KeyFile, err)
			}
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if d.cfg.Password != "" {
		auth = append(auth, ssh.Password(d.cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: no password or key_file for %s", ErrAuthFailed, d.cfg.Name)
	}

	hostKey := ssh.InsecureIgnoreHostKey() // #nosec G106 - known_hosts is optional
	if d.cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(d.cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("known_hosts: %w", err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            d.cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         d.cfg.QueryTimeout(),
	}, nil
}

func sshError(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("ssh %s: %w: %v", op, ErrTimeout, err)
	case strings.Contains(err.Error(), "unable to authenticate"):
		return fmt.Errorf("ssh %s: %w: %v", op, ErrAuthFailed, err)
	default:
		return fmt.Errorf("ssh %s: %w: %v", op, ErrTransport, err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Reply decoding
// ─────────────────────────────────────────────────────────────────────────────

// DecodeCLIReply parses JSON CLI output into a nested record. Objects of
// the form {"data": v} collapse to v and single-element lists collapse to
// their element.
func DecodeCLIReply(raw []byte) (map[string]any, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	m, ok := unwrapData(v).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode reply: top level is %T, want object", v)
	}
	return m, nil
}

func unwrapData(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if data, ok := t["data"]; ok {
			return unwrapData(data)
		}
		for k, child := range t {
			t[k] = unwrapData(child)
		}
		return t
	case []any:
		if len(t) == 1 {
			return unwrapData(t[0])
		}
		for i, child := range t {
			t[i] = unwrapData(child)
		}
		return t
	case json.Number:
		return t.String()
	default:
		return v
	}
}
