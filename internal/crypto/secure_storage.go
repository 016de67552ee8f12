package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrCredentialNotFound is returned when no credential is stored under an
// account.
var ErrCredentialNotFound = errors.New("credential not found")

// LocalKeyAccount is the account the agent's generated payload key is stored
// under.
const LocalKeyAccount = "local-encryption-key"

// SecureStorage keeps small secrets in files under <dir>/secure, sealed with
// a key derived from the machine identifier. A copied data directory cannot
// be opened on another machine.
type SecureStorage struct {
	dir       string
	machineID func() string
}

// NewSecureStorage creates a SecureStorage rooted at dir.
func NewSecureStorage(dir string) *SecureStorage {
	return &SecureStorage{dir: dir, machineID: getMachineIdentifier}
}

// StoreCredential seals value and writes it with 0600 permissions.
func (s *SecureStorage) StoreCredential(account, value string) error {
	if s.dir == "" {
		return fmt.Errorf("config directory not set for secure storage")
	}
	secureDir := filepath.Join(s.dir, "secure")
	if err := os.MkdirAll(secureDir, 0700); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}

	encrypted, err := Encrypt([]byte(value), s.machineKey())
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}
	if err := os.WriteFile(s.credFile(account), []byte(encrypted), 0600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	return nil
}

// GetCredential returns a stored credential or ErrCredentialNotFound.
func (s *SecureStorage) GetCredential(account string) (string, error) {
	if s.dir == "" {
		return "", fmt.Errorf("config directory not set for secure storage")
	}
	data, err := os.ReadFile(s.credFile(account))
	if os.IsNotExist(err) {
		return "", ErrCredentialNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credential file: %w", err)
	}
	value, err := Decrypt(string(data), s.machineKey())
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return string(value), nil
}

// DeleteCredential removes a stored credential. A missing one is not an
// error.
func (s *SecureStorage) DeleteCredential(account string) error {
	if s.dir == "" {
		return fmt.Errorf("config directory not set for secure storage")
	}
	if err := os.Remove(s.credFile(account)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete credential file: %w", err)
	}
	return nil
}

// LoadOrCreateKey returns the secret stored under account, generating and
// storing a random 32-byte secret on first use.
func (s *SecureStorage) LoadOrCreateKey(account string) (secret string, created bool, err error) {
	secret, err = s.GetCredential(account)
	if err == nil {
		return secret, false, nil
	}
	if !errors.Is(err, ErrCredentialNotFound) {
		return "", false, err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", false, err
	}
	secret = base64.RawStdEncoding.EncodeToString(raw)
	if err := s.StoreCredential(account, secret); err != nil {
		return "", false, err
	}
	return secret, true, nil
}

func (s *SecureStorage) credFile(account string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(account)
	return filepath.Join(s.dir, "secure", safe+".cred")
}

func (s *SecureStorage) machineKey() []byte {
	return DeriveKey("machine:" + s.machineID())
}

// getMachineIdentifier returns a platform-specific machine identifier.
func getMachineIdentifier() string {
	if runtime.GOOS == "linux" {
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			if data, err := os.ReadFile(path); err == nil && len(strings.TrimSpace(string(data))) > 0 {
				return "linux:" + strings.TrimSpace(string(data))
			}
		}
	}
	hostname, _ := os.Hostname()
	return runtime.GOOS + ":" + hostname
}
