package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Queue topics.
const (
	TopicDiscovery = "discovery"
	TopicWrite     = "write"
)

// Write priorities. Lower values are processed first; reconciliation writes
// yield to fresh ingestion.
const (
	PriorityFresh      = 1
	PriorityEnrichment = 10
)

// DiscoveryJob asks downstream processing to ingest one discovered account.
type DiscoveryJob struct {
	JobID          string        `json:"job_id"`
	ProgramID      string        `json:"program_id"`
	AccountAddress string        `json:"account_address"`
	AccountType    AccountType   `json:"account_type"`
	ScheduledDelay time.Duration `json:"scheduled_delay"`
}

// WriteJob asks the writer to persist an updated record.
type WriteJob struct {
	JobID       string         `json:"job_id"`
	RecordKind  string         `json:"record_kind"`
	RecordKey   string         `json:"record_key"`
	Payload     map[string]any `json:"payload"`
	Priority    int            `json:"priority"`
	MaxAttempts int            `json:"max_attempts"`
	Source      string         `json:"source,omitempty"`
}

// DiscoveryJobID derives the stable ID for a discovery job:
// SHA256("discovery|address|type") hex-encoded.
func DiscoveryJobID(address string, accountType AccountType) string {
	return hashID("discovery", address, string(accountType))
}

// WriteJobID derives the stable ID for a write job:
// SHA256("write|kind|key") hex-encoded.
func WriteJobID(kind, key string) string {
	return hashID("write", kind, key)
}

func hashID(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}
