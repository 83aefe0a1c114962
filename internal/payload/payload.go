// Package payload encodes outgoing batches for the transport and decodes them
// on the destination.
//
// A payload is a stream of sections: one header, then for every table a table
// section (layout sent once per table per batch) before the first of its rows,
// the row sections in batch order, and a trailing commit section carrying the
// row count. The text form is newline delimited JSON; the binary form is a
// magic prefix followed by length delimited google.protobuf.Struct messages.
package payload

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/katasec/dstream-replicator/internal/db"
	"github.com/katasec/dstream-replicator/pkg/types"
)

var (
	// ErrTruncated is returned when a payload ends before its commit section
	ErrTruncated = errors.New("payload truncated")
	// ErrProtocol is returned when sections arrive out of protocol order
	ErrProtocol = errors.New("payload protocol violation")
)

// Section kinds
const (
	kindHeader = "header"
	kindTable  = "table"
	kindRow    = "row"
	kindCommit = "commit"
)

var binaryMagic = []byte("RPLB")

// section is the union of every section kind on the wire
type section struct {
	Kind            string   `json:"kind"`
	BatchID         int64    `json:"batch_id,omitempty"`
	SourceNodeID    string   `json:"source_node,omitempty"`
	TargetNodeID    string   `json:"target_node,omitempty"`
	ChannelID       string   `json:"channel,omitempty"`
	PreviousBatchID int64    `json:"previous_batch_id,omitempty"`
	Binary          bool     `json:"binary,omitempty"`
	TableVersionID  int64    `json:"table_version_id,omitempty"`
	Table           string   `json:"table,omitempty"`
	Columns         []string `json:"columns,omitempty"`
	Keys            []string `json:"keys,omitempty"`
	Event           string   `json:"event,omitempty"`
	SequenceID      int64    `json:"seq,omitempty"`
	TransactionID   string   `json:"tx,omitempty"`
	Origin          string   `json:"origin,omitempty"`
	Row             []any    `json:"row,omitempty"`
	Old             []any    `json:"old,omitempty"`
	PK              []any    `json:"pk,omitempty"`
	CapturedAt      int64    `json:"captured_at,omitempty"`
	Count           int      `json:"count,omitempty"`
}

// RecordSource loads the content of an outgoing batch
type RecordSource interface {
	BatchRecords(ctx context.Context, q db.DBTX, batchID int64, nodeID string) ([]types.ChangeRecord, error)
	TableVersion(ctx context.Context, q db.DBTX, id int64) (*types.TableVersion, error)
}

// Build loads the records of an outgoing batch with their table layouts
func Build(ctx context.Context, q db.DBTX, src RecordSource, header types.PayloadHeader) (*types.IncomingPayload, error) {
	records, err := src.BatchRecords(ctx, q, header.BatchID, header.TargetNodeID)
	if err != nil {
		return nil, err
	}
	p := &types.IncomingPayload{Header: header, Records: make([]types.PayloadRecord, 0, len(records))}
	for _, r := range records {
		tv, err := src.TableVersion(ctx, q, r.TableVersionID)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", header.BatchID, err)
		}
		p.Records = append(p.Records, types.PayloadRecord{Table: tv, Change: r})
	}
	return p, nil
}

// Encode serializes a payload in the form selected by its header
func Encode(p *types.IncomingPayload) ([]byte, error) {
	sections := toSections(p)
	if p.Header.Binary {
		return encodeBinary(sections)
	}
	return encodeText(sections)
}

// Decode parses a payload in either form and checks section order
func Decode(data []byte) (*types.IncomingPayload, error) {
	var (
		sections []section
		err      error
	)
	if bytes.HasPrefix(data, binaryMagic) {
		sections, err = decodeBinary(data[len(binaryMagic):])
	} else {
		sections, err = decodeText(data)
	}
	if err != nil {
		return nil, err
	}
	return fromSections(sections)
}

func toSections(p *types.IncomingPayload) []section {
	h := p.Header
	out := []section{{Kind: kindHeader, BatchID: h.BatchID, SourceNodeID: h.SourceNodeID, TargetNodeID: h.TargetNodeID,
		ChannelID: h.ChannelID, PreviousBatchID: h.PreviousBatchID, Binary: h.Binary}}
	sent := make(map[int64]bool)
	for _, r := range p.Records {
		if !sent[r.Table.ID] {
			sent[r.Table.ID] = true
			out = append(out, section{Kind: kindTable, TableVersionID: r.Table.ID, Table: r.Table.TableName,
				Columns: r.Table.Columns, Keys: r.Table.KeyColumns})
		}
		c := r.Change
		out = append(out, section{Kind: kindRow, TableVersionID: r.Table.ID, Event: string(c.EventType),
			SequenceID: c.SequenceID, TransactionID: c.TransactionID, Origin: c.SourceNodeID,
			Row: c.RowValues.Portable(), Old: c.PreviousValues.Portable(), PK: c.PrimaryKeyValues.Portable(),
			CapturedAt: c.CapturedAt.UnixMilli()})
	}
	return append(out, section{Kind: kindCommit, BatchID: h.BatchID, Count: len(p.Records)})
}

func fromSections(sections []section) (*types.IncomingPayload, error) {
	if len(sections) == 0 || sections[0].Kind != kindHeader {
		if len(sections) == 0 {
			return nil, ErrTruncated
		}
		return nil, fmt.Errorf("%w: payload must start with a header, got %q", ErrProtocol, sections[0].Kind)
	}
	h := sections[0]
	p := &types.IncomingPayload{Header: types.PayloadHeader{BatchID: h.BatchID, SourceNodeID: h.SourceNodeID,
		TargetNodeID: h.TargetNodeID, ChannelID: h.ChannelID, PreviousBatchID: h.PreviousBatchID, Binary: h.Binary}}
	tables := make(map[int64]*types.TableVersion)

	for i, s := range sections[1:] {
		switch s.Kind {
		case kindTable:
			tables[s.TableVersionID] = &types.TableVersion{ID: s.TableVersionID, TableName: s.Table, Columns: s.Columns, KeyColumns: s.Keys}
		case kindRow:
			tv, ok := tables[s.TableVersionID]
			if !ok {
				return nil, fmt.Errorf("%w: row %d references table version %d before its table section", ErrProtocol, len(p.Records)+1, s.TableVersionID)
			}
			et, err := types.ParseEventType(s.Event)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d: %v", ErrProtocol, len(p.Records)+1, err)
			}
			images := make([]types.Row, 3)
			for j, vals := range [][]any{s.Row, s.Old, s.PK} {
				if images[j], err = types.RowFromPortable(vals); err != nil {
					return nil, fmt.Errorf("%w: row %d: %v", ErrProtocol, len(p.Records)+1, err)
				}
			}
			p.Records = append(p.Records, types.PayloadRecord{Table: tv, Change: types.ChangeRecord{
				SequenceID: s.SequenceID, TableVersionID: tv.ID, EventType: et,
				RowValues: images[0], PreviousValues: images[1], PrimaryKeyValues: images[2],
				ChannelID: p.Header.ChannelID, TransactionID: s.TransactionID, SourceNodeID: s.Origin,
				CapturedAt: unixMilli(s.CapturedAt),
			}})
		case kindCommit:
			if i != len(sections)-2 {
				return nil, fmt.Errorf("%w: sections after commit", ErrProtocol)
			}
			if s.BatchID != h.BatchID || s.Count != len(p.Records) {
				return nil, fmt.Errorf("%w: commit for batch %d with %d rows, read %d rows of batch %d",
					ErrTruncated, s.BatchID, s.Count, len(p.Records), h.BatchID)
			}
			return p, nil
		default:
			return nil, fmt.Errorf("%w: unexpected %q section", ErrProtocol, s.Kind)
		}
	}
	return nil, fmt.Errorf("%w: no commit section for batch %d", ErrTruncated, h.BatchID)
}
