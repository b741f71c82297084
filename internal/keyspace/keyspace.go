// ABOUTME: Tenant-scoped identities for threads and assistants
// ABOUTME: Validates ids and derives unambiguous namespace and bucket keys

package keyspace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxIDLength bounds tenant, thread, and assistant ids in bytes.
const MaxIDLength = 256

// ErrInvalidID is returned when a tenant or entity id cannot be used as a key.
var ErrInvalidID = errors.New("invalid id")

// ThreadKey identifies a thread within a tenant. Two tenants may use the
// same ThreadID; the pair is the identity.
type ThreadKey struct {
	Tenant   string
	ThreadID string
}

// NewThreadKey builds a validated ThreadKey.
func NewThreadKey(tenant, threadID string) (ThreadKey, error) {
	k := ThreadKey{Tenant: tenant, ThreadID: threadID}
	if err := k.Validate(); err != nil {
		return ThreadKey{}, err
	}
	return k, nil
}

// Validate checks both components.
func (k ThreadKey) Validate() error {
	if err := validateID("tenant", k.Tenant); err != nil {
		return err
	}
	return validateID("thread id", k.ThreadID)
}

// Namespace returns a string that is distinct for every (tenant, thread)
// pair, including pairs whose concatenation would collide.
func (k ThreadKey) Namespace() string {
	return encodeParts("thread", k.Tenant, k.ThreadID)
}

func (k ThreadKey) String() string {
	return k.Namespace()
}

// AssistantKey identifies an assistant as seen from a tenant.
type AssistantKey struct {
	Tenant      string
	AssistantID string
}

// NewAssistantKey builds a validated AssistantKey.
func NewAssistantKey(tenant, assistantID string) (AssistantKey, error) {
	k := AssistantKey{Tenant: tenant, AssistantID: assistantID}
	if err := k.Validate(); err != nil {
		return AssistantKey{}, err
	}
	return k, nil
}

// Validate checks both components.
func (k AssistantKey) Validate() error {
	if err := validateID("tenant", k.Tenant); err != nil {
		return err
	}
	return validateID("assistant id", k.AssistantID)
}

// Namespace returns the collision-free form of the key.
func (k AssistantKey) Namespace() string {
	return encodeParts("assistant", k.Tenant, k.AssistantID)
}

func (k AssistantKey) String() string {
	return k.Namespace()
}

// ValidateTenant checks a bare tenant id, as used for list operations.
func ValidateTenant(tenant string) error {
	return validateID("tenant", tenant)
}

// TenantBucket returns the bucket name holding everything a tenant owns.
func TenantBucket(tenant string) []byte {
	return []byte(encodeParts("tenant", tenant))
}

// ThreadBucket returns the bucket name holding one thread's checkpoints.
func ThreadBucket(threadID string) []byte {
	return []byte(encodeParts("thread", threadID))
}

// SeqKey encodes a checkpoint sequence number so that byte order matches
// numeric order.
func SeqKey(seq int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(seq))
	return b
}

// ParseSeqKey reverses SeqKey.
func ParseSeqKey(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("seq key has %d bytes, want 8", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// encodeParts length-prefixes every component so that ("a/b", "c") and
// ("a", "b/c") never produce the same key.
func encodeParts(kind string, parts ...string) string {
	var sb strings.Builder
	sb.WriteString(kind)
	for _, p := range parts {
		sb.WriteByte('/')
		sb.WriteString(strconv.Itoa(len(p)))
		sb.WriteByte(':')
		sb.WriteString(p)
	}
	return sb.String()
}

func validateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidID, kind)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidID, kind, MaxIDLength)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidID, kind)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: %s contains control characters", ErrInvalidID, kind)
		}
	}
	return nil
}
