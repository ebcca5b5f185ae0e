package codelink

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// AuthHeaderName is the HTTP header a client presents on the WebSocket
// upgrade. Its value must equal the authToken of the server's lock record.
const AuthHeaderName = "X-CodeLink-Authorization"

// LockDirEnv overrides the default lock directory when set.
const LockDirEnv = "CODELINK_LOCK_DIR"

const lockFileSuffix = ".lock"

// LockRecord is the discovery record a server writes so clients can find it.
// It is stored as JSON in a file named after the server's port, readable
// only by the owner.
type LockRecord struct {
	PID              int      `json:"pid"`
	WorkspaceFolders []string `json:"workspaceFolders"`
	IDEName          string   `json:"ideName"`
	Transport        string   `json:"transport"`
	RunningInWindows bool     `json:"runningInWindows"`
	AuthToken        string   `json:"authToken"`
}

// NewAuthToken mints the random token stored in a lock record and required
// on every upgrade.
func NewAuthToken() string {
	return uuid.NewString()
}

// DefaultLockDir resolves the lock directory: the LockDirEnv environment
// variable when set, otherwise ~/.codelink/ide.
func DefaultLockDir() (string, error) {
	if dir := os.Getenv(LockDirEnv); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".codelink", "ide"), nil
}

// normalizeLockRecord fills the process-derived fields of a record.
func normalizeLockRecord(record LockRecord) LockRecord {
	if record.Transport == "" {
		record.Transport = "ws"
	}
	if record.PID == 0 {
		record.PID = os.Getpid()
	}
	record.RunningInWindows = runtime.GOOS == "windows"
	return record
}

// WriteLockFile writes the discovery record for port into dir, creating the
// directory if needed. The directory is owner-only (0700) and the file is
// owner read/write (0600). It returns the file path.
func WriteLockFile(dir string, port int, record LockRecord) (string, error) {
	if record.AuthToken == "" {
		return "", errors.New("lock record has no auth token")
	}
	record = normalizeLockRecord(record)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create lock directory: %w", err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode lock record: %w", err)
	}

	path := lockFilePath(dir, port)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write lock file: %w", err)
	}
	// WriteFile does not tighten the mode of a pre-existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return "", fmt.Errorf("restrict lock file mode: %w", err)
	}

	return path, nil
}

// RemoveLockFile deletes the discovery record for port. Removing a record
// that is already gone is not an error.
func RemoveLockFile(dir string, port int) error {
	err := os.Remove(lockFilePath(dir, port))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// ReadLockFile loads the discovery record for port from dir.
func ReadLockFile(dir string, port int) (LockRecord, error) {
	data, err := os.ReadFile(lockFilePath(dir, port))
	if err != nil {
		return LockRecord{}, fmt.Errorf("read lock file: %w", err)
	}

	var record LockRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return LockRecord{}, fmt.Errorf("decode lock file: %w", err)
	}
	if record.AuthToken == "" {
		return LockRecord{}, errors.New("lock record has no auth token")
	}
	return record, nil
}

// LockPorts lists the ports that have a discovery record in dir, in
// ascending order. A missing directory yields an empty list.
func LockPorts(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lock directory: %w", err)
	}

	var ports []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name, found := strings.CutSuffix(entry.Name(), lockFileSuffix)
		if !found {
			continue
		}
		port, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports, nil
}

// StartDiscovery starts a discoverable server: it binds addr (loopback only,
// port 0 for ephemeral), mints an auth token when record.AuthToken is empty,
// and writes the discovery record for the bound port so clients can find and
// authenticate to the server. It returns the listening transport and the
// record as written; the bound port is available from the transport's Port.
// The caller serves sessions from the transport and removes the record with
// RemoveLockFile after shutting it down.
func StartDiscovery(addr, lockDir string, record LockRecord, options ...WSServerOption) (*WSServer, LockRecord, error) {
	if record.AuthToken == "" {
		record.AuthToken = NewAuthToken()
	}
	record = normalizeLockRecord(record)

	server := NewWSServer(addr, record.AuthToken, options...)
	if err := server.Start(); err != nil {
		return nil, LockRecord{}, err
	}

	if _, err := WriteLockFile(lockDir, server.Port(), record); err != nil {
		// The server never left this function, so tear it down directly
		// instead of going through the Shutdown path, which waits for a
		// Sessions consumer.
		close(server.done)
		server.httpServer.Close()
		return nil, LockRecord{}, err
	}

	return server, record, nil
}

func lockFilePath(dir string, port int) string {
	return filepath.Join(dir, strconv.Itoa(port)+lockFileSuffix)
}

// tokenEqual compares tokens in constant time.
func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
