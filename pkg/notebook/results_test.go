package notebook

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/nbrun/pkg/domain"
)

func TestReadResults(t *testing.T) {
	outputs, err := ReadResults(filepath.Join("testdata", "hello_world_output.ipynb"))
	require.NoError(t, err)

	assert.Equal(t, []domain.Output{
		{Name: "x", Value: json.Number("7.5")},
		{Name: "scores", Value: []any{json.Number("1"), json.Number("2"), json.Number("3")}},
		{Name: "label", Value: "ok"},
	}, outputs)
}

func TestParseResults(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []domain.Output
		invalid bool
	}{
		{
			name: "no recorded values",
			raw:  `{"nbformat": 4, "cells": [{"cell_type": "code", "outputs": []}]}`,
			want: nil,
		},
		{
			name: "multiple keys in one record are sorted",
			raw:  `{"nbformat": 4, "cells": [{"cell_type": "code", "outputs": [{"output_type": "display_data", "data": {"application/papermill.record+json": {"b": 1, "a": "s"}}}]}]}`,
			want: []domain.Output{{Name: "a", Value: "s"}, {Name: "b", Value: json.Number("1")}},
		},
		{
			name: "markdown outputs ignored",
			raw:  `{"nbformat": 4, "cells": [{"cell_type": "markdown", "outputs": [{"data": {"application/papermill.record+json": {"a": 1}}}]}]}`,
			want: nil,
		},
		{name: "malformed json", raw: `{"nbformat": 4, "cells": [`, invalid: true},
		{name: "missing nbformat", raw: `{"cells": []}`, invalid: true},
		{name: "old nbformat", raw: `{"nbformat": 3, "cells": []}`, invalid: true},
		{
			name:    "record is not an object",
			raw:     `{"nbformat": 4, "cells": [{"cell_type": "code", "outputs": [{"data": {"application/papermill.record+json": [1]}}]}]}`,
			invalid: true,
		},
		{
			name:    "scrap without name",
			raw:     `{"nbformat": 4, "cells": [{"cell_type": "code", "outputs": [{"data": {"application/scrapbook.scrap.json+json": {"data": 1}}}]}]}`,
			invalid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResults([]byte(tt.raw))
			if tt.invalid {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrNotebookInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadResultsMissingFile(t *testing.T) {
	_, err := ReadResults(filepath.Join(t.TempDir(), "missing.ipynb"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotebookInvalid)
}
