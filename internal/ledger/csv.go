package ledger

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/constants"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// decode reads ledger rows from r. The header must hold exactly the ledger columns, in any order.
// A leading UTF-8 byte order mark, as written by spreadsheet exports, is dropped.
func decode(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder())))

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("missing column header")
	}
	if err != nil {
		return nil, fmt.Errorf("could not read column header: %v", err)
	}

	idx, err := columnIndex(header)
	if err != nil {
		return nil, err
	}

	var rows []Row
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		line, _ := cr.FieldPos(0)
		seq, err := strconv.Atoi(rec[idx["sequence_number"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid sequence number %q", line, rec[idx["sequence_number"]])
		}
		rows = append(rows, Row{
			PseudoID:      rec[idx["pseudo_id"]],
			InternalLabID: rec[idx["internal_lab_id"]],
			Sequence:      seq,
			LabCode:       rec[idx["lab_code"]],
			Submitter:     rec[idx["submitter"]],
			BatchTag:      rec[idx["batch_tag"]],
		})
	}

	return rows, nil
}

// columnIndex maps each ledger column to its position in header.
func columnIndex(header []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, c := range header {
		if !slices.Contains(constants.LedgerColumns, c) {
			return nil, fmt.Errorf("unexpected column %q", c)
		}
		if _, ok := idx[c]; ok {
			return nil, fmt.Errorf("duplicate column %q", c)
		}
		idx[c] = i
	}
	for _, c := range constants.LedgerColumns {
		if _, ok := idx[c]; !ok {
			return nil, fmt.Errorf("missing column %q", c)
		}
	}
	return idx, nil
}

// encode writes the header and rows in the canonical column order.
func encode(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(constants.LedgerColumns); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := w.Write([]string{r.PseudoID, r.InternalLabID, strconv.Itoa(r.Sequence), r.LabCode, r.Submitter, r.BatchTag}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("could not encode ledger: %v", err)
	}
	return buf.Bytes(), nil
}
