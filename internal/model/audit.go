package model

import (
	"context"
	"time"
)

type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
)

type AuditRecord struct {
	Timestamp time.Time `json:"ts"`
	Requester string    `json:"requester"`
	Target    string    `json:"target"`
	Decision  Decision  `json:"decision"`
	Reason    string    `json:"reason"`
	Rule      string    `json:"rule,omitempty"`
}

// AuditSink persists authorization decisions.
type AuditSink interface {
	AppendAudit(ctx context.Context, rec AuditRecord) error
}

// Exporter receives a terminal job. Implementations write it somewhere
// outside of the store.
type Exporter interface {
	Export(ctx context.Context, job Job) error
}

type ExportCloser interface {
	Exporter
	Close() error
}
