package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/marchshares/cell-engine-ext/internal/cellengine"
	"github.com/marchshares/cell-engine-ext/internal/config"
	"github.com/marchshares/cell-engine-ext/pkg/errors"
	"github.com/marchshares/cell-engine-ext/pkg/utils"
)

type fakeAPI struct {
	experiments map[string]*cellengine.Experiment
	fcsFiles    map[string][]cellengine.FcsFile
	populations map[string][]cellengine.Population
	annotations map[string][]map[string]interface{}

	fcsDownloads    int
	gatingDownloads int
	statsRequests   []cellengine.StatisticsRequest
}

func (f *fakeAPI) GetExperimentByName(_ context.Context, name string) (*cellengine.Experiment, error) {
	exp, ok := f.experiments[name]
	if !ok {
		return nil, fmt.Errorf("no experiment named %q", name)
	}
	cp := *exp
	return &cp, nil
}

func (f *fakeAPI) ListFcsFiles(_ context.Context, experimentID string) ([]cellengine.FcsFile, error) {
	return f.fcsFiles[experimentID], nil
}

func (f *fakeAPI) ListPopulations(_ context.Context, experimentID string) ([]cellengine.Population, error) {
	return f.populations[experimentID], nil
}

func (f *fakeAPI) DownloadFcsFile(_ context.Context, experimentID, fileID string) ([]byte, error) {
	f.fcsDownloads++
	return []byte("fcs-bytes:" + experimentID + ":" + fileID), nil
}

func (f *fakeAPI) GatingML(_ context.Context, experimentID string) ([]byte, error) {
	f.gatingDownloads++
	return []byte("<gating scope=\"global\" experiment=\"" + experimentID + "\"/>"), nil
}

func (f *fakeAPI) FcsFileGatingML(_ context.Context, experimentID, fileID string) ([]byte, error) {
	f.gatingDownloads++
	return []byte("<gating scope=\"file\" experiment=\"" + experimentID + "\" file=\"" + fileID + "\"/>"), nil
}

func (f *fakeAPI) BulkStatistics(_ context.Context, experimentID string, req cellengine.StatisticsRequest) (*cellengine.StatisticsResult, error) {
	f.statsRequests = append(f.statsRequests, req)
	if req.Annotations {
		return &cellengine.StatisticsResult{Records: f.annotations[experimentID]}, nil
	}
	return &cellengine.StatisticsResult{
		Text: "filename\teventCount\n" + req.FcsFileIDs[0] + "\t100\n",
	}, nil
}

func (f *fakeAPI) tsvRequests() []cellengine.StatisticsRequest {
	var out []cellengine.StatisticsRequest
	for _, req := range f.statsRequests {
		if !req.Annotations {
			out = append(out, req)
		}
	}
	return out
}

// fakeStore mirrors uploads into memory and pretends the uploaded keys
// exist from then on, like a real bucket would.
type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	existsOf map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:  make(map[string][]byte),
		existsOf: make(map[string]int),
	}
}

func (s *fakeStore) UploadFile(_ context.Context, fromPath, toKey, _ string) error {
	data, err := os.ReadFile(fromPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[toKey] = data
	return nil
}

func (s *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existsOf[key]++
	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeStore) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for k := range s.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type fakeRecorder struct {
	mu    sync.Mutex
	skips map[string]int
}

func (r *fakeRecorder) RecordSkip(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.skips == nil {
		r.skips = make(map[string]int)
	}
	r.skips[kind]++
}

func testAPI() *fakeAPI {
	return &fakeAPI{
		experiments: map[string]*cellengine.Experiment{
			"E1": {ID: "exp-1", Name: "E1"},
		},
		fcsFiles: map[string][]cellengine.FcsFile{
			"exp-1": {{ID: "file-1", Name: "A.fcs"}},
		},
		populations: map[string][]cellengine.Population{
			"exp-1": {{ID: "pop-1", Name: "P1"}},
		},
		annotations: map[string][]map[string]interface{}{
			"exp-1": {
				{
					"filename": "A.fcs",
					"annotations": map[string]interface{}{
						"donor":     "D-17",
						"timepoint": "C1D1",
					},
				},
			},
		},
	}
}

func newTestExporter(t *testing.T, api *fakeAPI, store *fakeStore, cfg config.ExportConfig) *Exporter {
	t.Helper()

	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  utils.ERROR,
		Output: io.Discard,
	})
	require.NoError(t, err)

	if cfg.Experiments == nil {
		cfg.Experiments = []string{"E1"}
	}
	e, err := New(api, store, cfg, logger, nil)
	require.NoError(t, err)
	return e
}

func TestRun_MirrorsExperimentArtifacts(t *testing.T) {
	api := testAPI()
	store := newFakeStore()
	root := filepath.Join(t.TempDir(), "data")

	e := newTestExporter(t, api, store, config.ExportConfig{LocalRoot: root})
	require.NoError(t, e.Run(context.Background()))

	prefix := "CellEngine/" + filepath.ToSlash(root)
	assert.Equal(t, []string{
		prefix + "/Annotations.xlsx",
		prefix + "/E1/A.fcs",
		prefix + "/E1/A.gatingml",
		prefix + "/E1/A_statistics.tsv",
		prefix + "/E1/E1_global.gatingml",
	}, store.keys())

	assert.Equal(t, []byte("fcs-bytes:exp-1:file-1"), store.objects[prefix+"/E1/A.fcs"])
	assert.Contains(t, string(store.objects[prefix+"/E1/A_statistics.tsv"]), "eventCount")
}

func TestRun_RemovesLocalCopiesExceptGlobalGating(t *testing.T) {
	api := testAPI()
	store := newFakeStore()
	root := filepath.Join(t.TempDir(), "data")

	e := newTestExporter(t, api, store, config.ExportConfig{LocalRoot: root})
	require.NoError(t, e.Run(context.Background()))

	for _, name := range []string{"A.fcs", "A.gatingml", "A_statistics.tsv"} {
		assert.NoFileExists(t, filepath.Join(root, "E1", name))
	}
	assert.NoFileExists(t, filepath.Join(root, "Annotations.xlsx"))
	assert.FileExists(t, filepath.Join(root, "E1", "E1_global.gatingml"))
}

func TestRun_StatisticsRequestShape(t *testing.T) {
	api := testAPI()
	store := newFakeStore()

	e := newTestExporter(t, api, store, config.ExportConfig{LocalRoot: filepath.Join(t.TempDir(), "data")})
	require.NoError(t, e.Run(context.Background()))

	reqs := api.tsvRequests()
	require.Len(t, reqs, 1)
	req := reqs[0]

	assert.Equal(t, []string{"eventcount"}, req.Statistics)
	assert.Equal(t, []string{"file-1"}, req.FcsFileIDs)
	assert.Equal(t, cellengine.FormatTSV, req.Format)
	assert.Equal(t, "medium", req.Layout)
	// Ungated population first, then every named one.
	assert.Equal(t, []string{"", "pop-1"}, req.PopulationIDs)
	assert.Equal(t, map[string]interface{}{
		"ids":         true,
		"uniqueNames": true,
		"fullPaths":   true,
	}, req.Extra)
}

func TestRun_SecondRunSkipsMirroredButRecomputesStatistics(t *testing.T) {
	api := testAPI()
	store := newFakeStore()
	root := filepath.Join(t.TempDir(), "data")
	cfg := config.ExportConfig{LocalRoot: root}

	require.NoError(t, newTestExporter(t, api, store, cfg).Run(context.Background()))

	fcsAfterFirst := api.fcsDownloads
	tsvAfterFirst := len(api.tsvRequests())
	assert.Equal(t, 1, fcsAfterFirst)

	require.NoError(t, newTestExporter(t, api, store, cfg).Run(context.Background()))

	assert.Equal(t, fcsAfterFirst, api.fcsDownloads, "raw file must not be re-downloaded")
	// Global gating has no mirror check, per-file gating does.
	assert.Equal(t, 3, api.gatingDownloads)
	assert.Equal(t, tsvAfterFirst+1, len(api.tsvRequests()), "statistics are recomputed on every run by default")
}

func TestRun_SkipMirroredStatisticsMakesCheckEffective(t *testing.T) {
	api := testAPI()
	store := newFakeStore()
	root := filepath.Join(t.TempDir(), "data")
	cfg := config.ExportConfig{LocalRoot: root, SkipMirroredStatistics: true}

	require.NoError(t, newTestExporter(t, api, store, cfg).Run(context.Background()))
	tsvAfterFirst := len(api.tsvRequests())

	require.NoError(t, newTestExporter(t, api, store, cfg).Run(context.Background()))
	assert.Equal(t, tsvAfterFirst, len(api.tsvRequests()))

	// The existence check still runs on both passes.
	statsKey := "CellEngine/" + filepath.ToSlash(filepath.Join(root, "E1", "A_statistics.tsv"))
	assert.Equal(t, 2, store.existsOf[statsKey])
}

func TestRun_SkipsAreRecorded(t *testing.T) {
	api := testAPI()
	store := newFakeStore()
	root := filepath.Join(t.TempDir(), "data")
	recorder := &fakeRecorder{}

	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{Level: utils.ERROR, Output: io.Discard})
	require.NoError(t, err)

	cfg := config.ExportConfig{
		Experiments:            []string{"E1"},
		LocalRoot:              root,
		SkipMirroredStatistics: true,
	}
	first, err := New(api, store, cfg, logger, recorder)
	require.NoError(t, err)
	require.NoError(t, first.Run(context.Background()))
	assert.Empty(t, recorder.skips)

	second, err := New(api, store, cfg, logger, recorder)
	require.NoError(t, err)
	require.NoError(t, second.Run(context.Background()))

	assert.Equal(t, map[string]int{"fcs": 1, "gatingml": 1, "statistics": 1}, recorder.skips)
}

func TestRun_AnnotationSpreadsheet(t *testing.T) {
	api := testAPI()
	api.experiments["E2"] = &cellengine.Experiment{ID: "exp-2", Name: "E2"}
	api.fcsFiles["exp-2"] = []cellengine.FcsFile{{ID: "file-2", Name: "B.fcs"}}
	api.annotations["exp-2"] = []map[string]interface{}{
		{
			"filename": "B.fcs",
			// List-shaped annotations, the older schema.
			"annotations": []interface{}{
				map[string]interface{}{"name": "donor", "value": "D-03"},
				map[string]interface{}{"name": "panel", "value": "myeloid"},
			},
		},
	}

	store := newFakeStore()
	root := filepath.Join(t.TempDir(), "data")

	e := newTestExporter(t, api, store, config.ExportConfig{
		Experiments: []string{"E1", "E2"},
		LocalRoot:   root,
	})
	require.NoError(t, e.Run(context.Background()))

	key := "CellEngine/" + filepath.ToSlash(root) + "/Annotations.xlsx"
	data, ok := store.objects[key]
	require.True(t, ok, "annotation spreadsheet must be mirrored")

	book, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer func() { _ = book.Close() }()

	rows, err := book.GetRows(book.GetSheetName(0))
	require.NoError(t, err)
	require.Len(t, rows, 3)

	header := rows[0]
	assert.Equal(t, "experiment", header[0])
	assert.Equal(t, "filename", header[1])
	assert.Contains(t, header, "donor")
	assert.Contains(t, header, "timepoint")
	assert.Contains(t, header, "panel")

	assert.Equal(t, []string{"E1", "A.fcs"}, rows[1][:2])
	assert.Equal(t, []string{"E2", "B.fcs"}, rows[2][:2])
}

func TestRun_UnknownExperimentFailsBeforeAnyTransfer(t *testing.T) {
	api := testAPI()
	store := newFakeStore()

	e := newTestExporter(t, api, store, config.ExportConfig{
		Experiments: []string{"E1", "no-such-experiment"},
		LocalRoot:   filepath.Join(t.TempDir(), "data"),
	})

	err := e.Run(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no-such-experiment"))
	assert.Empty(t, store.keys(), "resolution happens before any artifact moves")
	assert.Zero(t, api.fcsDownloads)
}

func TestRun_TraversalFileNameIsRejected(t *testing.T) {
	api := testAPI()
	api.fcsFiles["exp-1"] = []cellengine.FcsFile{{ID: "file-1", Name: "../../evil.fcs"}}
	store := newFakeStore()
	work := t.TempDir()
	root := filepath.Join(work, "data")

	e := newTestExporter(t, api, store, config.ExportConfig{LocalRoot: root})
	err := e.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	assert.NoFileExists(t, filepath.Join(work, "evil.fcs"))
	for _, key := range store.keys() {
		assert.True(t, strings.HasPrefix(key, "CellEngine/"+filepath.ToSlash(root)+"/"),
			"key %q escapes the mirror prefix", key)
	}
	assert.Zero(t, api.fcsDownloads, "nothing is fetched for an unsafe name")
}

func TestRun_TraversalExperimentNameIsRejected(t *testing.T) {
	api := testAPI()
	api.experiments["../escape"] = &cellengine.Experiment{ID: "exp-x", Name: "../escape"}
	store := newFakeStore()
	work := t.TempDir()
	root := filepath.Join(work, "data")

	e := newTestExporter(t, api, store, config.ExportConfig{
		Experiments: []string{"../escape"},
		LocalRoot:   root,
	})
	err := e.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	assert.NoDirExists(t, filepath.Join(work, "escape"))
	assert.Empty(t, store.keys())
}

func TestRun_GatingSimilarityWarnsBelowThreshold(t *testing.T) {
	api := testAPI()
	store := newFakeStore()
	root := filepath.Join(t.TempDir(), "data")

	var buf bytes.Buffer
	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  utils.INFO,
		Output: &buf,
	})
	require.NoError(t, err)

	cfg := config.ExportConfig{
		Experiments:               []string{"E1"},
		LocalRoot:                 root,
		ValidateGating:            true,
		GatingSimilarityThreshold: 0.99,
	}
	e, err := New(api, store, cfg, logger, nil)
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))

	assert.Contains(t, buf.String(), "gating similarity")
}
