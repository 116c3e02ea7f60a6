package sftp

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Host key policies.
const (
	PolicyInsecure   = "insecure"
	PolicyKnownHosts = "known-hosts"
	PolicyFixed      = "fixed"
)

// HostKeyCallback builds the callback for policy. knownHosts is only read
// by PolicyKnownHosts and hostKey only by PolicyFixed.
func HostKeyCallback(policy, knownHosts, hostKey string) (ssh.HostKeyCallback, error) {
	switch policy {
	case "", PolicyInsecure:
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			zap.L().Warn("Host key verification disabled",
				zap.String("host", hostname), zap.String("fingerprint", ssh.FingerprintSHA256(key)))
			return nil
		}, nil
	case PolicyKnownHosts:
		p, err := expandHome(knownHosts)
		if err != nil {
			return nil, err
		}
		return knownhosts.New(p)
	case PolicyFixed:
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(hostKey))
		if err != nil {
			return nil, fmt.Errorf("parse host key: %w", err)
		}
		return ssh.FixedHostKey(key), nil
	}
	return nil, fmt.Errorf("unknown host key policy %q", policy)
}

func expandHome(p string) (string, error) {
	if p == "" {
		p = "~/.ssh/known_hosts"
	}
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
