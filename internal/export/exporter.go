package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/marchshares/cell-engine-ext/internal/cellengine"
	"github.com/marchshares/cell-engine-ext/internal/config"
	"github.com/marchshares/cell-engine-ext/pkg/errors"
	"github.com/marchshares/cell-engine-ext/pkg/tabular"
	"github.com/marchshares/cell-engine-ext/pkg/textcompare"
	"github.com/marchshares/cell-engine-ext/pkg/utils"
)

// API is the analytics client surface the exporter depends on.
type API interface {
	GetExperimentByName(ctx context.Context, name string) (*cellengine.Experiment, error)
	ListFcsFiles(ctx context.Context, experimentID string) ([]cellengine.FcsFile, error)
	ListPopulations(ctx context.Context, experimentID string) ([]cellengine.Population, error)
	DownloadFcsFile(ctx context.Context, experimentID, fileID string) ([]byte, error)
	GatingML(ctx context.Context, experimentID string) ([]byte, error)
	FcsFileGatingML(ctx context.Context, experimentID, fileID string) ([]byte, error)
	BulkStatistics(ctx context.Context, experimentID string, req cellengine.StatisticsRequest) (*cellengine.StatisticsResult, error)
}

var _ API = (*cellengine.Client)(nil)

// Store is the object-store surface the exporter depends on.
type Store interface {
	UploadFile(ctx context.Context, fromPath, toKey, info string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Recorder receives skipped-artifact counts. A nil Recorder disables
// recording.
type Recorder interface {
	RecordSkip(kind string)
}

// Exporter runs the export pipeline over a fixed list of experiment
// names. The annotation table and the store are owned by the run and are
// threaded through every call that needs them; nothing here is safe for
// concurrent use.
type Exporter struct {
	api      API
	store    Store
	cfg      config.ExportConfig
	logger   *utils.StructuredLogger
	recorder Recorder

	annotations *tabular.Frame
}

// New creates an exporter. Zero-valued config fields fall back to the
// standard layout (data/, CellEngine/, Annotations.xlsx).
func New(api API, store Store, cfg config.ExportConfig, logger *utils.StructuredLogger, recorder Recorder) (*Exporter, error) {
	if api == nil || store == nil {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "api and store are required")
	}
	if cfg.LocalRoot == "" {
		cfg.LocalRoot = "data"
	}
	if cfg.RemotePrefix == "" {
		cfg.RemotePrefix = "CellEngine/"
	}
	if cfg.AnnotationsFile == "" {
		cfg.AnnotationsFile = "Annotations.xlsx"
	}
	if logger == nil {
		var err error
		logger, err = utils.NewStructuredLogger(nil)
		if err != nil {
			return nil, err
		}
	}

	return &Exporter{
		api:         api,
		store:       store,
		cfg:         cfg,
		logger:      logger.WithComponent("export"),
		recorder:    recorder,
		annotations: tabular.New("experiment", "filename"),
	}, nil
}

// Run resolves every configured experiment, exports each in turn, and
// writes the consolidated annotation spreadsheet at the end. The first
// failure terminates the run.
func (e *Exporter) Run(ctx context.Context) error {
	e.logger.Infof("process experiments: %v", e.cfg.Experiments)

	experiments := make([]*cellengine.Experiment, 0, len(e.cfg.Experiments))
	for _, name := range e.cfg.Experiments {
		exp, err := e.resolveExperiment(ctx, name)
		if err != nil {
			return err
		}
		experiments = append(experiments, exp)
	}

	n := len(experiments)
	for i, exp := range experiments {
		log := e.logger.WithField("exp", fmt.Sprintf("(%d/%d) %s", i+1, n, exp.Name))

		if err := e.exportExperiment(ctx, log, exp); err != nil {
			return err
		}
		if err := e.collectAnnotations(ctx, log, exp); err != nil {
			return err
		}
	}

	return e.writeAnnotations(ctx)
}

// resolveExperiment looks an experiment up by name and fills in its
// raw-data files and populations.
func (e *Exporter) resolveExperiment(ctx context.Context, name string) (*cellengine.Experiment, error) {
	exp, err := e.api.GetExperimentByName(ctx, name)
	if err != nil {
		return nil, err
	}

	exp.FcsFiles, err = e.api.ListFcsFiles(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	exp.Populations, err = e.api.ListPopulations(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	return exp, nil
}

// exportExperiment mirrors one experiment: the global gating definition,
// then for each raw-data file the raw bytes, the per-file gating
// definition, and the per-file event-count statistics. Each artifact is
// uploaded right after download and the local copy removed.
func (e *Exporter) exportExperiment(ctx context.Context, log *utils.StructuredLogger, exp *cellengine.Experiment) error {
	expRoot, err := artifactPath(e.cfg.LocalRoot, exp.Name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(expRoot, 0750); err != nil {
		return errors.Wrap(errors.ErrCodeTransferFailed, "failed to create experiment directory", err).
			WithContext("path", expRoot)
	}

	globalPath, err := e.downloadGlobalGating(ctx, log, exp, expRoot)
	if err != nil {
		return err
	}
	// The global gating file stays on disk: the per-file similarity
	// check needs it for the whole file loop.
	if err := e.uploadToStore(ctx, globalPath, false); err != nil {
		return err
	}

	n := len(exp.FcsFiles)
	for i, file := range exp.FcsFiles {
		flog := log.WithField("fcs", fmt.Sprintf("(%d/%d) %s", i+1, n, file.Name))

		rawPath, err := e.downloadFcsFile(ctx, flog, exp, expRoot, file)
		if err != nil {
			return err
		}
		if err := e.uploadToStore(ctx, rawPath, true); err != nil {
			return err
		}

		gatingPath, err := e.downloadFcsGating(ctx, flog, exp, expRoot, file)
		if err != nil {
			return err
		}
		if gatingPath != "" && e.cfg.ValidateGating {
			e.validateGating(flog, globalPath, gatingPath)
		}
		if err := e.uploadToStore(ctx, gatingPath, true); err != nil {
			return err
		}

		statsPath, err := e.downloadStatistics(ctx, flog, exp, expRoot, file)
		if err != nil {
			return err
		}
		if err := e.uploadToStore(ctx, statsPath, true); err != nil {
			return err
		}
	}

	return nil
}

// downloadGlobalGating fetches the experiment-global gating definition.
// It is written fresh on every run, without an existence check.
func (e *Exporter) downloadGlobalGating(ctx context.Context, log *utils.StructuredLogger, exp *cellengine.Experiment, expRoot string) (string, error) {
	log.Info("download global gating definition")

	data, err := e.api.GatingML(ctx, exp.ID)
	if err != nil {
		return "", err
	}

	path, err := artifactPath(expRoot, exp.Name+"_global.gatingml")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", errors.Wrap(errors.ErrCodeTransferFailed, "failed to write gating file", err).
			WithContext("path", path)
	}
	return path, nil
}

// downloadFcsFile fetches one raw data file unless its mirrored
// destination already exists. An empty path means the file was skipped.
func (e *Exporter) downloadFcsFile(ctx context.Context, log *utils.StructuredLogger, exp *cellengine.Experiment, expRoot string, file cellengine.FcsFile) (string, error) {
	log.Info("download raw data file")

	path, err := artifactPath(expRoot, file.Name)
	if err != nil {
		return "", err
	}
	mirrored, err := e.checkMirrored(ctx, log, path)
	if err != nil {
		return "", err
	}
	if mirrored {
		e.recordSkip("fcs")
		return "", nil
	}

	data, err := e.api.DownloadFcsFile(ctx, exp.ID, file.ID)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", errors.Wrap(errors.ErrCodeTransferFailed, "failed to write raw data file", err).
			WithContext("path", path)
	}
	return path, nil
}

// downloadFcsGating fetches one per-file gating definition under the same
// existence rule as the raw file.
func (e *Exporter) downloadFcsGating(ctx context.Context, log *utils.StructuredLogger, exp *cellengine.Experiment, expRoot string, file cellengine.FcsFile) (string, error) {
	log.Info("download per-file gating definition")

	path, err := artifactPath(expRoot, baseName(file)+".gatingml")
	if err != nil {
		return "", err
	}
	mirrored, err := e.checkMirrored(ctx, log, path)
	if err != nil {
		return "", err
	}
	if mirrored {
		e.recordSkip("gatingml")
		return "", nil
	}

	data, err := e.api.FcsFileGatingML(ctx, exp.ID, file.ID)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", errors.Wrap(errors.ErrCodeTransferFailed, "failed to write gating file", err).
			WithContext("path", path)
	}
	return path, nil
}

// downloadStatistics issues one combined event-count statistics call
// covering the ungated population plus every named population. The
// existence check always runs and logs, but only short-circuits when
// skip_mirrored_statistics is set; by default the statistics are
// recomputed and reuploaded on every run.
func (e *Exporter) downloadStatistics(ctx context.Context, log *utils.StructuredLogger, exp *cellengine.Experiment, expRoot string, file cellengine.FcsFile) (string, error) {
	log.Info("download statistics")

	path, err := artifactPath(expRoot, baseName(file)+"_statistics.tsv")
	if err != nil {
		return "", err
	}
	mirrored, err := e.checkMirrored(ctx, log, path)
	if err != nil {
		return "", err
	}
	if mirrored && e.cfg.SkipMirroredStatistics {
		e.recordSkip("statistics")
		return "", nil
	}

	// "" selects the ungated population.
	populations := make([]string, 0, len(exp.Populations)+1)
	populations = append(populations, "")
	for _, pop := range exp.Populations {
		populations = append(populations, pop.ID)
	}

	result, err := e.api.BulkStatistics(ctx, exp.ID, cellengine.StatisticsRequest{
		Statistics:    []string{"eventcount"},
		Channels:      []string{},
		FcsFileIDs:    []string{file.ID},
		Format:        cellengine.FormatTSV,
		Layout:        "medium",
		PopulationIDs: populations,
		Extra: map[string]interface{}{
			"ids":         true,
			"uniqueNames": true,
			"fullPaths":   true,
		},
	})
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(path, []byte(result.Text), 0600); err != nil {
		return "", errors.Wrap(errors.ErrCodeTransferFailed, "failed to write statistics file", err).
			WithContext("path", path)
	}
	return path, nil
}

// checkMirrored reports whether the artifact's mirrored destination
// already exists. One listing round trip, never cached.
func (e *Exporter) checkMirrored(ctx context.Context, log *utils.StructuredLogger, path string) (bool, error) {
	exists, err := e.store.Exists(ctx, e.remoteKey(path))
	if err != nil {
		return false, err
	}
	if exists {
		log.Infof("file exists on store: %s", path)
	}
	return exists, nil
}

// uploadToStore mirrors one local artifact. An empty path means the
// artifact was skipped upstream and is a no-op.
func (e *Exporter) uploadToStore(ctx context.Context, path string, removeLocal bool) error {
	if path == "" {
		return nil
	}

	if err := e.store.UploadFile(ctx, path, e.remoteKey(path), ""); err != nil {
		return err
	}

	if removeLocal {
		e.logger.Infof("remove: %s", path)
		if err := os.Remove(path); err != nil {
			return errors.Wrap(errors.ErrCodeTransferFailed, "failed to remove local copy", err).
				WithContext("path", path)
		}
	}
	return nil
}

// remoteKey derives the mirrored destination for a local artifact path.
func (e *Exporter) remoteKey(path string) string {
	return e.cfg.RemotePrefix + filepath.ToSlash(path)
}

// validateGating logs the similarity of a per-file gating definition
// against the experiment-global one and warns below the threshold.
func (e *Exporter) validateGating(log *utils.StructuredLogger, globalPath, gatingPath string) {
	similarity, err := textcompare.CompareFiles(globalPath, gatingPath)
	if err != nil {
		log.Warnf("gating similarity check failed: %v", err)
		return
	}

	log.Infof("gating similarity: %s - %s: %.1f%%",
		filepath.Base(globalPath), filepath.Base(gatingPath), similarity*100)
	if similarity < e.cfg.GatingSimilarityThreshold {
		log.Warnf("gating similarity below threshold: %.3f < %.3f",
			similarity, e.cfg.GatingSimilarityThreshold)
	}
}

func (e *Exporter) recordSkip(kind string) {
	if e.recorder != nil {
		e.recorder.RecordSkip(kind)
	}
}

// baseName strips the raw-data suffix before derived suffixes are
// appended.
func baseName(file cellengine.FcsFile) string {
	return strings.TrimSuffix(file.Name, ".fcs")
}

// artifactPath joins an API-supplied name under dir. Experiment and file
// names come from the remote service and are never trusted as-is; a name
// that would escape dir fails the run before anything is written or
// mirrored.
func artifactPath(dir, name string) (string, error) {
	path, err := utils.SecureJoin(dir, name)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeInvalidArgument, "unsafe artifact name", err).
			WithContext("name", name)
	}
	return path, nil
}
