// Package audit provides append-only audit logging with an HMAC chain for
// tamper detection. Events are written as JSON lines; each record carries an
// HMAC over its own content plus the previous record's HMAC, so deletion or
// modification anywhere in the log breaks the chain.
package audit

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Operation types recorded in the audit log.
const (
	OpVaultInit         = "vault.init"
	OpVaultUnlock       = "vault.unlock"
	OpVaultUnlockFailed = "vault.unlock_failed"
	OpVaultLock         = "vault.lock"

	OpCredentialSave   = "credential.save"
	OpCredentialRemove = "credential.remove"
	OpCodeGenerate     = "code.generate"

	OpExport  = "vault.export"
	OpImport  = "vault.import"
	OpBackup  = "vault.backup"
	OpRestore = "vault.restore"
)

// Result indicates the outcome of an operation.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Source identifies where the operation originated.
const (
	SourceCLI = "cli"
	SourceMCP = "mcp"
)

const (
	logFileName   = "audit.jsonl"
	genesisMarker = "genesis"
)

// ErrKeyNotSet is returned when logging is attempted before SetHMACKey.
var ErrKeyNotSet = errors.New("audit: hmac key not set")

// Event is a single audit record.
type Event struct {
	Version   int        `json:"v"`
	ID        string     `json:"id"`
	Timestamp string     `json:"ts"`
	Operation string     `json:"op"`
	Name      string     `json:"name,omitempty"`
	Source    string     `json:"source"`
	SessionID string     `json:"session_id"`
	Result    string     `json:"result"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Chain     Chain      `json:"chain"`
}

// ErrorInfo contains error details for failed operations.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain links an event to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHMAC string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// Logger writes audit events with chained HMACs. It is inert until
// SetHMACKey supplies key material; callers treat logging as best effort
// and never fail a vault operation on an audit error.
type Logger struct {
	mu        sync.Mutex
	dir       string
	source    string
	sessionID string
	hmacKey   []byte
	sequence  int64
	prevHMAC  string
}

// NewLogger creates a logger writing into dir. The chain key must be set
// via SetHMACKey before any event is accepted.
func NewLogger(dir, source string) *Logger {
	return &Logger{
		dir:       dir,
		source:    source,
		sessionID: uuid.NewString(),
		prevHMAC:  genesisMarker,
	}
}

// SetHMACKey derives the chain key from the supplied key material using
// HKDF-SHA256 and resumes the chain from the last record on disk.
func (l *Logger) SetHMACKey(material []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	reader := hkdf.New(sha256.New, material, nil, []byte("otpctl-audit-v1"))
	l.hmacKey = make([]byte, 32)
	if _, err := reader.Read(l.hmacKey); err != nil {
		return fmt.Errorf("audit: failed to derive hmac key: %w", err)
	}

	// Resume from the tail of an existing log; a fresh log starts at the
	// genesis marker.
	seq, prev, err := l.tailState()
	if err != nil {
		l.sequence = 0
		l.prevHMAC = genesisMarker
		return nil
	}
	l.sequence = seq
	l.prevHMAC = prev
	return nil
}

// LogSuccess records a successful operation.
func (l *Logger) LogSuccess(op, name string) error {
	return l.log(op, name, ResultSuccess, nil)
}

// LogError records a failed operation.
func (l *Logger) LogError(op, name, code, message string) error {
	return l.log(op, name, ResultError, &ErrorInfo{Code: code, Message: message})
}

func (l *Logger) log(op, name, result string, errInfo *ErrorInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return ErrKeyNotSet
	}
	if err := os.MkdirAll(l.dir, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}

	event := Event{
		Version:   1,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Operation: op,
		Source:    l.source,
		SessionID: l.sessionID,
		Result:    result,
		Error:     errInfo,
	}
	// Account names are personal data; only their keyed digest lands in
	// the log.
	if name != "" {
		event.Name = l.nameDigest(name)
	}

	event.Chain.Sequence = l.sequence + 1
	event.Chain.PrevHMAC = l.prevHMAC
	event.Chain.HMAC = l.chainHMAC(&event)

	line, err := json.Marshal(&event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(l.dir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}

	l.sequence = event.Chain.Sequence
	l.prevHMAC = event.Chain.HMAC
	return nil
}

// nameDigest returns the keyed digest of a credential name.
func (l *Logger) nameDigest(name string) string {
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write([]byte(name))
	return hex.EncodeToString(mac.Sum(nil))
}

// chainHMAC computes the HMAC of an event with its Chain.HMAC field empty.
func (l *Logger) chainHMAC(event *Event) string {
	clone := *event
	clone.Chain.HMAC = ""
	payload, _ := json.Marshal(&clone)

	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// tailState reads the sequence and HMAC of the last record on disk.
func (l *Logger) tailState() (int64, string, error) {
	f, err := os.Open(filepath.Join(l.dir, logFileName))
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	var last *Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		last = &event
	}
	if err := scanner.Err(); err != nil {
		return 0, "", err
	}
	if last == nil {
		return 0, "", os.ErrNotExist
	}
	return last.Chain.Sequence, last.Chain.HMAC, nil
}

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Checked  int    `json:"checked"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify walks the full log and recomputes every link of the HMAC chain.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, ErrKeyNotSet
	}

	f, err := os.Open(filepath.Join(l.dir, logFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return &VerifyResult{Valid: true}, nil
		}
		return nil, fmt.Errorf("audit: failed to open log: %w", err)
	}
	defer f.Close()

	result := &VerifyResult{Valid: true}
	prev := genesisMarker

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			result.Valid = false
			result.Reason = "malformed record"
			return result, nil
		}

		if event.Chain.PrevHMAC != prev {
			result.Valid = false
			result.BrokenAt = event.Chain.Sequence
			result.Reason = "chain link mismatch"
			return result, nil
		}

		want := event.Chain.HMAC
		if l.chainHMAC(&event) != want {
			result.Valid = false
			result.BrokenAt = event.Chain.Sequence
			result.Reason = "record hmac mismatch"
			return result, nil
		}

		prev = want
		result.Checked++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: failed to read log: %w", err)
	}

	return result, nil
}
