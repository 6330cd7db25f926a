package fetch

import (
	"encoding/csv"
	"io"

	"github.com/pkg/errors"

	"github.com/G-Research/ingestcoord/internal/ingester/model"
)

// Decoder turns the body of a fetched object into records.
type Decoder interface {
	Decode(r io.Reader, source string) ([]model.Record, error)
}

// CSVDecoder decodes delimited text, one record per line. Rows may have differing numbers of fields.
type CSVDecoder struct {
	// Field delimiter. Defaults to ','.
	Comma rune
	// Lines starting with Comment are ignored. Zero disables comments.
	Comment rune
	// Whether the first row is a header to be dropped.
	SkipHeader bool
}

func (d CSVDecoder) Decode(r io.Reader, source string) ([]model.Record, error) {
	reader := csv.NewReader(r)
	if d.Comma != 0 {
		reader.Comma = d.Comma
	}
	reader.Comment = d.Comment
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false

	var records []model.Record
	for line := 1; ; line++ {
		fields, err := reader.Read()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "error decoding %s", source)
		}
		if line == 1 && d.SkipHeader {
			continue
		}
		row, _ := reader.FieldPos(0)
		records = append(records, model.Record{Source: source, Line: row, Fields: fields})
	}
}
