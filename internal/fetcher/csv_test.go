package fetcher

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectRows(t *testing.T, input string, opts CSVOptions) ([]map[string]string, error) {
	t.Helper()
	var rows []map[string]string
	err := StreamCSV(context.Background(), strings.NewReader(input), opts, func(row map[string]string) error {
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

func TestStreamCSV_Basic(t *testing.T) {
	rows, err := collectRows(t, "a,b,c\n1,2,3\n4,5,6\n", CSVOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3"}, rows[0])
	assert.Equal(t, "6", rows[1]["c"])
}

func TestStreamCSV_BOMAndTrim(t *testing.T) {
	rows, err := collectRows(t, "\ufeffDate , Cost\n2026-01-15 , 1.5 \n", CSVOptions{TrimSpace: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2026-01-15", rows[0]["Date"])
	assert.Equal(t, "1.5", rows[0]["Cost"])
}

func TestStreamCSV_ShortRowLeavesColumnsAbsent(t *testing.T) {
	rows, err := collectRows(t, "a,b,c\n1,2\n1,2,3,4\n", CSVOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	_, ok := rows[0]["c"]
	assert.False(t, ok)
	assert.Len(t, rows[1], 3)
}

func TestStreamCSV_Delimiter(t *testing.T) {
	rows, err := collectRows(t, "a|b\n1|2\n", CSVOptions{Delimiter: '|'})
	require.NoError(t, err)
	assert.Equal(t, []map[string]string{{"a": "1", "b": "2"}}, rows)
}

func TestStreamCSV_HeaderOnlyAndEmpty(t *testing.T) {
	rows, err := collectRows(t, "a,b\n", CSVOptions{})
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = collectRows(t, "", CSVOptions{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStreamCSV_CallbackErrorStops(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := StreamCSV(context.Background(), strings.NewReader("a\n1\n2\n3\n"), CSVOptions{}, func(map[string]string) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestStreamCSV_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := StreamCSV(ctx, strings.NewReader("a\n1\n"), CSVOptions{}, func(map[string]string) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecodeCSVRecords(t *testing.T) {
	recs, err := DecodeCSVRecords(context.Background(), strings.NewReader("date,amount\n2026-01-15,12.5\n"), CSVOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "12.5", recs[0]["amount"])
}
