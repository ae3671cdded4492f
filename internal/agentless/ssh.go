// Package agentless collects snapshots from Windows hosts that cannot run the
// agent. It dials the host's OpenSSH server, runs an embedded PowerShell
// script and returns the same document shape the agent produces.
package agentless

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/vesaa/inventra/internal/snapshot"
	"golang.org/x/crypto/ssh"
)

//go:embed collect.ps1
var collectScript string

// ErrNoDocument is returned when the remote output holds no JSON object.
var ErrNoDocument = errors.New("no snapshot in remote output")

// Options configure how a host is reached.
type Options struct {
	User     string
	Password string
	KeyPEM   []byte
	// HostKey pins the server key; nil accepts any key.
	HostKey ssh.PublicKey
	Timeout time.Duration
}

// SSHClient wraps an authenticated SSH connection.
type SSHClient struct {
	client *ssh.Client
	host   string
}

// Dial connects to host (port 22 unless given) with password or key auth.
func Dial(host string, opts Options) (*SSHClient, error) {
	var authMethods []ssh.AuthMethod

	if len(opts.KeyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(opts.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parsing SSH key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if opts.Password != "" {
		authMethods = append(authMethods, ssh.Password(opts.Password))
	}
	if len(authMethods) == 0 {
		return nil, errors.New("no SSH credentials: set a password or key")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if opts.HostKey != nil {
		hostKey = ssh.FixedHostKey(opts.HostKey)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cfg := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            authMethods,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	addr := host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(host, "22")
	}
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s: %w", addr, err)
	}
	return &SSHClient{client: client, host: host}, nil
}

// Close cleanly shuts down the SSH connection.
func (s *SSHClient) Close() error { return s.client.Close() }

// Run executes a command and returns stdout. Stderr is folded into the
// error. Cancelling ctx closes the session.
func (s *SSHClient) Run(ctx context.Context, cmd string) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		sess.Close()
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("[%s] %v: %s", s.host, err, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), nil
	}
}

// CollectSnapshot runs the collection script and decodes its output.
func (s *SSHClient) CollectSnapshot(ctx context.Context) (snapshot.Document, error) {
	out, err := s.Run(ctx, PowerShellCommand(collectScript))
	if err != nil {
		return nil, fmt.Errorf("collection script: %w", err)
	}
	return ExtractDocument(out)
}

// ParseHostKey reads a public key in authorized_keys form. An empty line
// yields a nil key, which leaves host key checking off.
func ParseHostKey(line string) (ssh.PublicKey, error) {
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("parsing host key: %w", err)
	}
	return key, nil
}

// PowerShellCommand wraps script for -EncodedCommand, which sidesteps
// quoting through cmd.exe, the default OpenSSH shell on Windows.
func PowerShellCommand(script string) string {
	return "powershell.exe -NoProfile -NonInteractive -ExecutionPolicy Bypass -EncodedCommand " + encodeUTF16(script)
}

// encodeUTF16 returns base64 of the UTF-16LE bytes of s.
func encodeUTF16(s string) string {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2*i:], u)
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// ExtractDocument finds the JSON object in out, skipping banners or
// profile noise around it.
func ExtractDocument(out string) (snapshot.Document, error) {
	start := strings.IndexByte(out, '{')
	end := strings.LastIndexByte(out, '}')
	if start < 0 || end < start {
		return nil, ErrNoDocument
	}
	doc, err := snapshot.Decode([]byte(out[start : end+1]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDocument, err)
	}
	return doc, nil
}
