package wire

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/VanDung-dev/eventnet/network"
)

// EventSchema returns the Arrow schema of an event batch.
//
// Fields:
//   - sender: uint64 - NodeID of the publishing node
//   - timestamp: int64 - wall clock at submission, Unix milliseconds
//   - sequence: uint64 - per-sender counter
//   - scope: uint8 - network.ScopeKind
//   - target: uint64 - target NodeID for targeted scope, otherwise 0
//   - type_name: string - wire name of the event type
//   - payload: binary - serialized event body
func EventSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "sender", Type: arrow.PrimitiveTypes.Uint64},
			{Name: "timestamp", Type: arrow.PrimitiveTypes.Int64},
			{Name: "sequence", Type: arrow.PrimitiveTypes.Uint64},
			{Name: "scope", Type: arrow.PrimitiveTypes.Uint8},
			{Name: "target", Type: arrow.PrimitiveTypes.Uint64},
			{Name: "type_name", Type: arrow.BinaryTypes.String},
			{Name: "payload", Type: arrow.BinaryTypes.Binary},
		},
		nil,
	)
}

var eventSchema = EventSchema()

// ErrEmptyBatch is returned when encoding zero events.
var ErrEmptyBatch = errors.New("empty event batch")

// BatchCodec converts RawEvents to and from Arrow IPC bytes.
type BatchCodec struct {
	allocator memory.Allocator
}

// NewBatchCodec creates a BatchCodec with the default memory allocator.
func NewBatchCodec() *BatchCodec {
	return &BatchCodec{allocator: memory.DefaultAllocator}
}

// Record builds an Arrow record from events. The caller releases it.
func (c *BatchCodec) Record(events []network.RawEvent) (arrow.Record, error) {
	if len(events) == 0 {
		return nil, ErrEmptyBatch
	}

	builder := array.NewRecordBuilder(c.allocator, eventSchema)
	defer builder.Release()

	senderBuilder := builder.Field(0).(*array.Uint64Builder)
	timestampBuilder := builder.Field(1).(*array.Int64Builder)
	sequenceBuilder := builder.Field(2).(*array.Uint64Builder)
	scopeBuilder := builder.Field(3).(*array.Uint8Builder)
	targetBuilder := builder.Field(4).(*array.Uint64Builder)
	typeBuilder := builder.Field(5).(*array.StringBuilder)
	payloadBuilder := builder.Field(6).(*array.BinaryBuilder)

	for _, ev := range events {
		senderBuilder.Append(uint64(ev.Metadata.Sender))
		timestampBuilder.Append(ev.Metadata.Timestamp.UnixMilli())
		sequenceBuilder.Append(ev.Metadata.Sequence)
		scopeBuilder.Append(uint8(ev.Scope.Kind))
		targetBuilder.Append(uint64(ev.Scope.Target))
		typeBuilder.Append(ev.TypeName)
		payloadBuilder.Append(ev.Payload)
	}

	return builder.NewRecord(), nil
}

// Encode serializes events to one Arrow IPC stream.
func (c *BatchCodec) Encode(events []network.RawEvent) ([]byte, error) {
	record, err := c.Record(events)
	if err != nil {
		return nil, err
	}
	defer record.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(record.Schema()), ipc.WithAllocator(c.allocator))
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads every record batch in data back into RawEvents. Payloads are
// copied out of Arrow memory.
func (c *BatchCodec) Decode(data []byte) (events []network.RawEvent, err error) {
	// Malformed IPC metadata can make the reader panic.
	defer func() {
		if r := recover(); r != nil {
			events = nil
			err = fmt.Errorf("malformed event batch: %v", r)
		}
	}()

	reader, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(c.allocator))
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	if err := ValidateSchema(reader.Schema(), eventSchema); err != nil {
		return nil, err
	}

	for reader.Next() {
		batch, err := eventsFromRecord(reader.Record())
		if err != nil {
			return nil, err
		}
		events = append(events, batch...)
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func eventsFromRecord(record arrow.Record) ([]network.RawEvent, error) {
	senderCol, ok := record.Column(0).(*array.Uint64)
	if !ok {
		return nil, errors.New("column 0 (sender) is not a Uint64 array")
	}
	timestampCol, ok := record.Column(1).(*array.Int64)
	if !ok {
		return nil, errors.New("column 1 (timestamp) is not an Int64 array")
	}
	sequenceCol, ok := record.Column(2).(*array.Uint64)
	if !ok {
		return nil, errors.New("column 2 (sequence) is not a Uint64 array")
	}
	scopeCol, ok := record.Column(3).(*array.Uint8)
	if !ok {
		return nil, errors.New("column 3 (scope) is not a Uint8 array")
	}
	targetCol, ok := record.Column(4).(*array.Uint64)
	if !ok {
		return nil, errors.New("column 4 (target) is not a Uint64 array")
	}
	typeCol, ok := record.Column(5).(*array.String)
	if !ok {
		return nil, errors.New("column 5 (type_name) is not a String array")
	}
	payloadCol, ok := record.Column(6).(*array.Binary)
	if !ok {
		return nil, errors.New("column 6 (payload) is not a Binary array")
	}

	rows := int(record.NumRows())
	for _, n := range []int{senderCol.Len(), timestampCol.Len(), sequenceCol.Len(), scopeCol.Len(), targetCol.Len(), typeCol.Len(), payloadCol.Len()} {
		if n < rows {
			return nil, fmt.Errorf("column shorter than record: %d < %d", n, rows)
		}
	}

	events := make([]network.RawEvent, rows)
	for i := 0; i < rows; i++ {
		events[i] = network.RawEvent{
			Metadata: network.Metadata{
				Sender:    network.NodeID(senderCol.Value(i)),
				Timestamp: time.UnixMilli(timestampCol.Value(i)),
				Sequence:  sequenceCol.Value(i),
			},
			Scope: network.Scope{
				Kind:   network.ScopeKind(scopeCol.Value(i)),
				Target: network.NodeID(targetCol.Value(i)),
			},
			TypeName: typeCol.Value(i),
			Payload:  bytes.Clone(payloadCol.Value(i)),
		}
	}
	return events, nil
}

// ValidateSchema checks that actual matches expected field by field.
func ValidateSchema(actual, expected *arrow.Schema) error {
	if actual == nil {
		return errors.New("schema is nil")
	}
	if actual.NumFields() != expected.NumFields() {
		return fmt.Errorf("field count mismatch: got %d, expected %d",
			actual.NumFields(), expected.NumFields())
	}

	for i := 0; i < actual.NumFields(); i++ {
		actualField := actual.Field(i)
		expectedField := expected.Field(i)

		if actualField.Name != expectedField.Name {
			return fmt.Errorf("field %d name mismatch: got %s, expected %s",
				i, actualField.Name, expectedField.Name)
		}
		if !arrow.TypeEqual(actualField.Type, expectedField.Type) {
			return fmt.Errorf("field %s type mismatch: got %s, expected %s",
				actualField.Name, actualField.Type, expectedField.Type)
		}
	}
	return nil
}

// EventsFrame encodes events as a complete KindEvents frame.
func (c *BatchCodec) EventsFrame(events []network.RawEvent) ([]byte, error) {
	body, err := c.Encode(events)
	if err != nil {
		return nil, err
	}
	return Pack(KindEvents, body), nil
}
