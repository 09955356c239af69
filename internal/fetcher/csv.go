package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cost-pipeline/internal/model"
)

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter  rune // default ','
	Comment    rune // comment character (0 = none)
	LazyQuotes bool
	TrimSpace  bool
}

// StreamCSV reads a headed CSV export and calls fn once per data row with the
// row keyed by header name. Rows shorter than the header leave the missing
// columns absent rather than empty.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions, fn func(map[string]string) error) error {
	reader := csv.NewReader(r)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	if opts.Comment != 0 {
		reader.Comment = opts.Comment
	}
	reader.LazyQuotes = opts.LazyQuotes
	reader.FieldsPerRecord = -1 // allow variable fields
	reader.ReuseRecord = true

	var header []string
	for {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "csv: context cancelled")
		}

		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "csv: read row")
		}

		if header == nil {
			header = make([]string, len(record))
			for i, h := range record {
				// Excel exports lead with a byte order mark.
				h = strings.TrimPrefix(h, "\ufeff")
				header[i] = strings.TrimSpace(h)
			}
			continue
		}

		row := make(map[string]string, len(header))
		for i, field := range record {
			if i >= len(header) {
				break
			}
			if opts.TrimSpace {
				field = strings.TrimSpace(field)
			}
			row[header[i]] = field
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

// DecodeCSVRecords collects a headed CSV export into raw records.
func DecodeCSVRecords(ctx context.Context, r io.Reader, opts CSVOptions) ([]model.RawRecord, error) {
	var out []model.RawRecord
	err := StreamCSV(ctx, r, opts, func(row map[string]string) error {
		rec := make(model.RawRecord, len(row))
		for k, v := range row {
			rec[k] = v
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
