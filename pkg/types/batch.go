package types

import "time"

// BatchStatus is the lifecycle state of an outgoing batch
type BatchStatus string

const (
	StatusNew         BatchStatus = "NEW"
	StatusRouted      BatchStatus = "ROUTED"
	StatusReadyToSend BatchStatus = "READY_TO_SEND"
	StatusSending     BatchStatus = "SENDING"
	StatusSent        BatchStatus = "SENT"
	StatusLoaded      BatchStatus = "LOADED"
	StatusError       BatchStatus = "ERROR"
)

var transitions = map[BatchStatus][]BatchStatus{
	StatusNew:         {StatusRouted},
	StatusRouted:      {StatusReadyToSend},
	StatusReadyToSend: {StatusSending},
	StatusSending:     {StatusSent, StatusReadyToSend, StatusError, StatusLoaded},
	StatusSent:        {StatusLoaded, StatusError, StatusReadyToSend},
	StatusError:       {StatusLoaded, StatusReadyToSend},
}

// CanTransition reports whether a batch may move from one status to another.
// ERROR/SENT -> READY_TO_SEND is the resend loop.
func CanTransition(from, to BatchStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PriorStatuses returns every status from which to is reachable in one step
func PriorStatuses(to BatchStatus) []BatchStatus {
	var out []BatchStatus
	for _, from := range []BatchStatus{StatusNew, StatusRouted, StatusReadyToSend, StatusSending, StatusSent, StatusLoaded, StatusError} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// UnackedStatuses are the statuses that count against max batches in flight
var UnackedStatuses = []BatchStatus{StatusNew, StatusRouted, StatusReadyToSend, StatusSending, StatusSent, StatusError}

// OutgoingBatch is the unit of delivery to one node on one channel
type OutgoingBatch struct {
	BatchID         int64
	NodeID          string
	ChannelID       string
	Status          BatchStatus
	PreviousBatchID int64
	SequenceIDs     []int64
	RecordCount     int
	SentCount       int
	ErrorRowNumber  int64
	ErrorMessage    string
	CreateTime      time.Time
	LastUpdateTime  time.Time
}

// BatchStats carries counters reported together with a status change
type BatchStats struct {
	ErrorRowNumber int64
	ErrorMessage   string
	IncrementSent  bool
}

// IncomingStatus is the persisted outcome of one apply attempt
type IncomingStatus string

const (
	IncomingOK      IncomingStatus = "OK"
	IncomingError   IncomingStatus = "ERROR"
	IncomingSkipped IncomingStatus = "SKIPPED"
)

// ApplyState tracks a payload through the data loader
type ApplyState string

const (
	ApplyReceived        ApplyState = "RECEIVED"
	ApplyApplying        ApplyState = "APPLYING"
	ApplyOK              ApplyState = "OK"
	ApplyPartialFallback ApplyState = "PARTIAL_FALLBACK"
	ApplyError           ApplyState = "ERROR"
)

// IncomingBatch mirrors an OutgoingBatch on the destination. BatchID plus
// NodeID (the source node) is the idempotence key.
type IncomingBatch struct {
	BatchID             int64
	NodeID              string
	ChannelID           string
	Status              IncomingStatus
	Attempt             int
	StatementCount      int64
	FallbackInsertCount int64
	FallbackUpdateCount int64
	MissingDeleteCount  int64
	FailedRowNumber     int64
	ErrorMessage        string
	StartTime           time.Time
	EndTime             time.Time
}

// Outcome reports the apply state including the PARTIAL_FALLBACK sub-state
func (b *IncomingBatch) Outcome() ApplyState {
	switch b.Status {
	case IncomingOK:
		if b.FallbackInsertCount > 0 || b.FallbackUpdateCount > 0 {
			return ApplyPartialFallback
		}
		return ApplyOK
	case IncomingError:
		return ApplyError
	}
	return ApplyReceived
}

// PayloadHeader identifies a batch on the wire
type PayloadHeader struct {
	BatchID         int64
	SourceNodeID    string
	TargetNodeID    string
	ChannelID       string
	PreviousBatchID int64
	Binary          bool
}

// PayloadRecord is one row of a payload together with its table layout
type PayloadRecord struct {
	Table  *TableVersion
	Change ChangeRecord
}

// IncomingPayload is a decoded batch ready for the data loader
type IncomingPayload struct {
	Header  PayloadHeader
	Records []PayloadRecord
}

// DeliveryStatus is the transport level outcome of a delivery attempt
type DeliveryStatus string

const (
	DeliveryAcknowledged DeliveryStatus = "ACKNOWLEDGED"
	DeliveryRejected     DeliveryStatus = "REJECTED"
	DeliveryUnreachable  DeliveryStatus = "UNREACHABLE"
)

// DeliveryOutcome is returned by Transport.Deliver
type DeliveryOutcome struct {
	Status  DeliveryStatus
	BatchID int64
	Reason  string
}

// AckStatus is the destination verdict for one batch
type AckStatus string

const (
	AckOK       AckStatus = "OK"
	AckError    AckStatus = "ERROR"
	AckDeferred AckStatus = "DEFERRED"
)

// Ack travels back from the destination to the source once a batch has been
// applied (or refused).
type Ack struct {
	BatchID         int64
	SourceNodeID    string
	NodeID          string
	ChannelID       string
	Status          AckStatus
	FailedRowNumber int64
	Message         string
	StatementCount  int64
}
