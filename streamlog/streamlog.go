// Package streamlog is the durable append log between the gateway and the
// persistence worker, backed by a single Redis stream shared by all rooms.
package streamlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"

	"github.com/rishabhknowss/boardly/domain"
)

const (
	DefaultStream = "chat:all"

	// field holding the JSON encoded operation in every stream entry
	messageField = "message"
)

var ErrMalformedEntry = errors.New("malformed log entry")

type Log struct {
	client *redis.Client
	stream string
	maxLen int64
}

// New binds a log to stream. A positive maxLen trims the stream
// approximately to that many entries on every append.
func New(client *redis.Client, stream string, maxLen int64) *Log {
	if stream == "" {
		stream = DefaultStream
	}
	return &Log{client: client, stream: stream, maxLen: maxLen}
}

func (l *Log) Stream() string { return l.stream }

func (l *Log) Append(ctx context.Context, op domain.Operation) (string, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("encode operation: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: l.stream,
		Values: map[string]interface{}{messageField: string(payload)},
	}
	if l.maxLen > 0 {
		args.MaxLen = l.maxLen
		args.Approx = true
	}

	id, err := l.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", l.stream, err)
	}
	return id, nil
}

// Read returns up to count entries after fromID, waiting at most block for
// new ones. A timeout yields an empty result and no error.
func (l *Log) Read(ctx context.Context, fromID string, block time.Duration, count int64) ([]domain.LogEntry, error) {
	// go-redis treats a zero Block as "wait forever"
	if block <= 0 {
		block = -1
	}
	streams, err := l.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{l.stream, fromID},
		Count:   count,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xread %s from %s: %w", l.stream, fromID, err)
	}

	var entries []domain.LogEntry
	for _, s := range streams {
		for _, msg := range s.Messages {
			raw, _ := msg.Values[messageField].(string)
			entries = append(entries, domain.LogEntry{ID: msg.ID, Raw: raw})
		}
	}
	return entries, nil
}

// DecodeOperation parses the operation stored in entry. Anything the history
// store could never accept is reported as ErrMalformedEntry, so the worker
// skips it instead of retrying it forever.
func DecodeOperation(entry domain.LogEntry) (domain.Operation, error) {
	var op domain.Operation
	if entry.Raw == "" {
		return op, fmt.Errorf("%w: entry %s has no %q field", ErrMalformedEntry, entry.ID, messageField)
	}
	if !utf8.ValidString(entry.Raw) {
		return op, fmt.Errorf("%w: entry %s is not valid UTF-8", ErrMalformedEntry, entry.ID)
	}
	if err := json.Unmarshal([]byte(entry.Raw), &op); err != nil {
		return op, fmt.Errorf("%w: entry %s: %w", ErrMalformedEntry, entry.ID, err)
	}
	if op.RoomID == "" {
		return op, fmt.Errorf("%w: entry %s has no roomId", ErrMalformedEntry, entry.ID)
	}
	if strings.ContainsRune(op.RoomID, 0) || strings.ContainsRune(op.UserID, 0) {
		return op, fmt.Errorf("%w: entry %s has a NUL in roomId or userId", ErrMalformedEntry, entry.ID)
	}
	return op, nil
}

// LastID returns the id of the newest entry in the stream, or "0" when the
// stream is empty.
func (l *Log) LastID(ctx context.Context) (string, error) {
	msgs, err := l.client.XRevRangeN(ctx, l.stream, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("xrevrange %s: %w", l.stream, err)
	}
	if len(msgs) == 0 {
		return "0", nil
	}
	return msgs[0].ID, nil
}

// ValidStartID reports whether id can seed a reader: "0", "$" or a concrete
// "<ms>-<seq>" id.
func ValidStartID(id string) bool {
	if id == "$" {
		return true
	}
	_, _, err := parseID(id)
	return err == nil
}

// CompareIDs orders two stream ids of the form "<ms>-<seq>". It returns -1,
// 0 or 1. "0" and other ids without a sequence part compare as "<ms>-0".
func CompareIDs(a, b string) (int, error) {
	ams, aseq, err := parseID(a)
	if err != nil {
		return 0, err
	}
	bms, bseq, err := parseID(b)
	if err != nil {
		return 0, err
	}
	switch {
	case ams < bms, ams == bms && aseq < bseq:
		return -1, nil
	case ams == bms && aseq == bseq:
		return 0, nil
	default:
		return 1, nil
	}
}

func parseID(id string) (uint64, uint64, error) {
	msPart, seqPart, hasSeq := strings.Cut(id, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid stream id %q", id)
	}
	if !hasSeq {
		return ms, 0, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid stream id %q", id)
	}
	return ms, seq, nil
}
