package notebook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/polisai/nbrun/pkg/domain"
)

// MIME types under which recorded values appear in cell outputs.
const (
	MIMEPapermillRecord = "application/papermill.record+json"
	MIMEScrapbookScrap  = "application/scrapbook.scrap.json+json"
)

type notebookDoc struct {
	NBFormat *int   `json:"nbformat"`
	Cells    []cell `json:"cells"`
}

type cell struct {
	CellType string       `json:"cell_type"`
	Outputs  []cellOutput `json:"outputs"`
}

type cellOutput struct {
	OutputType string                     `json:"output_type"`
	Data       map[string]json.RawMessage `json:"data"`
}

type scrap struct {
	Name string `json:"name"`
	Data any    `json:"data"`
}

// ReadResults parses an executed notebook and returns its recorded values in
// cell order. A name recorded twice keeps its first position and its last value.
// Numbers are returned as json.Number.
func ReadResults(path string) ([]domain.Output, error) {
	//nolint:gosec // Output path is supplied by the operator
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read notebook %s: %w", path, err)
	}
	return ParseResults(raw)
}

// ParseResults is ReadResults over an in-memory notebook.
func ParseResults(raw []byte) ([]domain.Output, error) {
	var doc notebookDoc
	if err := decode(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode notebook: %w: %w", domain.ErrNotebookInvalid, err)
	}
	if doc.NBFormat == nil || *doc.NBFormat < 4 {
		return nil, fmt.Errorf("unsupported nbformat: %w", domain.ErrNotebookInvalid)
	}

	var outputs []domain.Output
	index := map[string]int{}
	record := func(name string, value any) {
		if i, ok := index[name]; ok {
			outputs[i].Value = value
			return
		}
		index[name] = len(outputs)
		outputs = append(outputs, domain.Output{Name: name, Value: value})
	}

	for ci, c := range doc.Cells {
		if c.CellType != "code" {
			continue
		}
		for _, out := range c.Outputs {
			if payload, ok := out.Data[MIMEPapermillRecord]; ok {
				var values map[string]any
				if err := decode(payload, &values); err != nil {
					return nil, fmt.Errorf("cell %d: papermill record: %w: %w", ci, domain.ErrNotebookInvalid, err)
				}
				for _, name := range sortedKeys(values) {
					record(name, values[name])
				}
			}
			if payload, ok := out.Data[MIMEScrapbookScrap]; ok {
				var s scrap
				if err := decode(payload, &s); err != nil {
					return nil, fmt.Errorf("cell %d: scrapbook scrap: %w: %w", ci, domain.ErrNotebookInvalid, err)
				}
				if s.Name == "" {
					return nil, fmt.Errorf("cell %d: scrapbook scrap without name: %w", ci, domain.ErrNotebookInvalid)
				}
				record(s.Name, s.Data)
			}
		}
	}

	return outputs, nil
}

func decode(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
