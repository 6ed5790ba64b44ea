package export

import (
	"context"
	"os"
	"path/filepath"

	"github.com/marchshares/cell-engine-ext/internal/cellengine"
	"github.com/marchshares/cell-engine-ext/pkg/errors"
	"github.com/marchshares/cell-engine-ext/pkg/utils"
)

// collectAnnotations fetches the per-file annotations of one experiment
// and appends a row per file to the consolidated table. Rows are keyed
// by experiment name and filename; annotation keys become columns, so
// the final table is the union of every experiment's annotation names.
func (e *Exporter) collectAnnotations(ctx context.Context, log *utils.StructuredLogger, exp *cellengine.Experiment) error {
	log.Info("collect annotations")

	result, err := e.api.BulkStatistics(ctx, exp.ID, cellengine.StatisticsRequest{
		Statistics:  []string{},
		Channels:    []string{},
		Annotations: true,
		Format:      cellengine.FormatJSON,
	})
	if err != nil {
		return err
	}

	for _, rec := range result.Records {
		stat := annotationStatisticOf(rec)
		row := map[string]interface{}{
			"experiment": exp.Name,
			"filename":   stat.Filename,
		}
		for name, value := range stat.Annotations {
			row[name] = value
		}
		e.annotations.AppendRow(row)
	}

	log.Infof("collected %d annotation rows", len(result.Records))
	return nil
}

// annotationStatisticOf extracts the filename and annotation map from
// one decoded record. The API returns annotations either as a flat
// object or as a list of {name, value} pairs depending on the account's
// schema version.
func annotationStatisticOf(rec map[string]interface{}) cellengine.AnnotationStatistic {
	stat := cellengine.AnnotationStatistic{}
	if name, ok := rec["filename"].(string); ok {
		stat.Filename = name
	}

	switch v := rec["annotations"].(type) {
	case map[string]interface{}:
		stat.Annotations = v
	case []interface{}:
		stat.Annotations = make(map[string]interface{}, len(v))
		for _, item := range v {
			pair, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			name, ok := pair["name"].(string)
			if !ok {
				continue
			}
			stat.Annotations[name] = pair["value"]
		}
	}
	return stat
}

// writeAnnotations writes the consolidated spreadsheet, mirrors it to
// the store, and removes the local copy.
func (e *Exporter) writeAnnotations(ctx context.Context) error {
	path := filepath.Join(e.cfg.LocalRoot, e.cfg.AnnotationsFile)
	e.logger.Infof("write annotation spreadsheet: %s (%d rows)", path, e.annotations.Len())

	if err := os.MkdirAll(e.cfg.LocalRoot, 0750); err != nil {
		return errors.Wrap(errors.ErrCodeSpreadsheetWrite, "failed to create output directory", err).
			WithContext("path", e.cfg.LocalRoot)
	}
	if err := e.annotations.WriteXLSX(path); err != nil {
		return err
	}

	return e.uploadToStore(ctx, path, true)
}
