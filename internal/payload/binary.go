package payload

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
)

func encodeBinary(sections []section) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(binaryMagic)
	for _, s := range sections {
		st, err := structpb.NewStruct(s.fields())
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s section: %w", s.Kind, err)
		}
		if _, err := protodelim.MarshalTo(&buf, st); err != nil {
			return nil, fmt.Errorf("failed to encode %s section: %w", s.Kind, err)
		}
	}
	return buf.Bytes(), nil
}

func decodeBinary(data []byte) ([]section, error) {
	r := bufio.NewReader(bytes.NewReader(data))
	var out []section
	for {
		st := &structpb.Struct{}
		err := protodelim.UnmarshalFrom(r, st)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		s, err := sectionFromStruct(st)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
}

// fields renders a section as a struct map. Integers travel as decimal
// strings since structpb numbers are doubles.
func (s section) fields() map[string]any {
	m := map[string]any{"kind": s.Kind}
	putInt := func(k string, v int64) {
		if v != 0 {
			m[k] = strconv.FormatInt(v, 10)
		}
	}
	putString := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	putInt("batch_id", s.BatchID)
	putInt("previous_batch_id", s.PreviousBatchID)
	putInt("table_version_id", s.TableVersionID)
	putInt("seq", s.SequenceID)
	putInt("captured_at", s.CapturedAt)
	putInt("count", int64(s.Count))
	putString("source_node", s.SourceNodeID)
	putString("target_node", s.TargetNodeID)
	putString("channel", s.ChannelID)
	putString("table", s.Table)
	putString("event", s.Event)
	putString("tx", s.TransactionID)
	putString("origin", s.Origin)
	if s.Binary {
		m["binary"] = true
	}
	if s.Columns != nil {
		m["columns"] = stringList(s.Columns)
	}
	if s.Keys != nil {
		m["keys"] = stringList(s.Keys)
	}
	for k, vals := range map[string][]any{"row": s.Row, "old": s.Old, "pk": s.PK} {
		if vals != nil {
			m[k] = vals
		}
	}
	return m
}

func stringList(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func sectionFromStruct(st *structpb.Struct) (section, error) {
	f := st.GetFields()
	var s section
	var err error
	getInt := func(k string) int64 {
		v, ok := f[k]
		if !ok || err != nil {
			return 0
		}
		n, perr := strconv.ParseInt(v.GetStringValue(), 10, 64)
		if perr != nil {
			err = fmt.Errorf("%w: field %s: %v", ErrProtocol, k, perr)
		}
		return n
	}
	getString := func(k string) string { return f[k].GetStringValue() }
	getStrings := func(k string) []string {
		v, ok := f[k]
		if !ok {
			return nil
		}
		vals := v.GetListValue().GetValues()
		out := make([]string, len(vals))
		for i, e := range vals {
			out[i] = e.GetStringValue()
		}
		return out
	}
	getValues := func(k string) []any {
		v, ok := f[k]
		if !ok {
			return nil
		}
		return v.GetListValue().AsSlice()
	}

	s.Kind = getString("kind")
	s.BatchID = getInt("batch_id")
	s.PreviousBatchID = getInt("previous_batch_id")
	s.TableVersionID = getInt("table_version_id")
	s.SequenceID = getInt("seq")
	s.CapturedAt = getInt("captured_at")
	s.Count = int(getInt("count"))
	s.SourceNodeID = getString("source_node")
	s.TargetNodeID = getString("target_node")
	s.ChannelID = getString("channel")
	s.Table = getString("table")
	s.Event = getString("event")
	s.TransactionID = getString("tx")
	s.Origin = getString("origin")
	s.Binary = f["binary"].GetBoolValue()
	s.Columns = getStrings("columns")
	s.Keys = getStrings("keys")
	s.Row = getValues("row")
	s.Old = getValues("old")
	s.PK = getValues("pk")
	return s, err
}
