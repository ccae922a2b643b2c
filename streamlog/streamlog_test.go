package streamlog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rishabhknowss/boardly/domain"
)

func newTestLog(t *testing.T) (*Log, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "", 0), mr
}

func op(room, user, msg string) domain.Operation {
	return domain.Operation{RoomID: room, UserID: user, Message: json.RawMessage(msg)}
}

func TestLog_AppendAndRead(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	assert.Equal(t, DefaultStream, l.Stream())

	id1, err := l.Append(ctx, op("r1", "u1", `{"shape":"rect"}`))
	require.NoError(t, err)
	id2, err := l.Append(ctx, op("r2", "u2", `"text"`))
	require.NoError(t, err)

	cmp, err := CompareIDs(id1, id2)
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)

	entries, err := l.Read(ctx, "0", 50*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, id1, entries[0].ID)
	assert.Equal(t, id2, entries[1].ID)

	decoded, err := DecodeOperation(entries[0])
	require.NoError(t, err)
	assert.Equal(t, "r1", decoded.RoomID)
	assert.Equal(t, "u1", decoded.UserID)
	assert.JSONEq(t, `{"shape":"rect"}`, string(decoded.Message))

	after, err := l.Read(ctx, id1, 50*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, id2, after[0].ID)
}

func TestLog_ReadRespectsCount(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, op("r1", "u1", `1`))
		require.NoError(t, err)
	}

	entries, err := l.Read(ctx, "0", 50*time.Millisecond, 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestLog_ReadTimeoutIsEmpty(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	id, err := l.Append(ctx, op("r1", "u1", `1`))
	require.NoError(t, err)

	entries, err := l.Read(ctx, id, 50*time.Millisecond, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLog_UnreachableRedis(t *testing.T) {
	l, mr := newTestLog(t)
	mr.Close()

	_, err := l.Append(context.Background(), op("r1", "u1", `1`))
	assert.Error(t, err)

	_, err = l.Read(context.Background(), "0", 10*time.Millisecond, 10)
	assert.Error(t, err)
}

func TestDecodeOperation(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "valid", raw: `{"roomId":"r1","userId":"u1","message":{"x":1}}`},
		{name: "empty", raw: "", wantErr: true},
		{name: "not json", raw: "{oops", wantErr: true},
		{name: "missing room", raw: `{"userId":"u1","message":1}`, wantErr: true},
		{name: "invalid utf-8 in message", raw: "{\"roomId\":\"r1\",\"userId\":\"u1\",\"message\":\"\xff\xfe\"}", wantErr: true},
		{name: "NUL in room id", raw: `{"roomId":"r\u0000","userId":"u1","message":1}`, wantErr: true},
		{name: "NUL in user id", raw: `{"roomId":"r1","userId":"u\u0000","message":1}`, wantErr: true},
		{name: "escaped NUL inside message", raw: `{"roomId":"r1","userId":"u1","message":"a\u0000"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeOperation(domain.LogEntry{ID: "1-0", Raw: tt.raw})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedEntry)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLog_InvalidUTF8EntryIsSkippable(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	// json.RawMessage keeps the raw bytes, so they reach the stream untouched
	_, err := l.Append(ctx, op("r1", "u1", "\"\xff\xfe\""))
	require.NoError(t, err)

	entries, err := l.Read(ctx, "0", 50*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = DecodeOperation(entries[0])
	assert.ErrorIs(t, err, ErrMalformedEntry)
}

func TestLog_LastID(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	id, err := l.LastID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0", id)

	_, err = l.Append(ctx, op("r1", "u1", `1`))
	require.NoError(t, err)
	last, err := l.Append(ctx, op("r1", "u1", `2`))
	require.NoError(t, err)

	id, err = l.LastID(ctx)
	require.NoError(t, err)
	assert.Equal(t, last, id)
}

func TestValidStartID(t *testing.T) {
	for _, id := range []string{"0", "$", "1700000000000-3", "12"} {
		assert.True(t, ValidStartID(id), id)
	}
	for _, id := range []string{"", "abc", "1-x", "-1", ">"} {
		assert.False(t, ValidStartID(id), id)
	}
}

func TestCompareIDs(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"0", "1-0", -1},
		{"0", "0-0", 0},
		{"1-1", "1-0", 1},
		{"1-9", "2-0", -1},
		{"1700000000000-3", "1700000000000-3", 0},
	}
	for _, tt := range tests {
		got, err := CompareIDs(tt.a, tt.b)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s vs %s", tt.a, tt.b)
	}

	_, err := CompareIDs("$", "1-0")
	assert.Error(t, err)
}
