package cellengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/marchshares/cell-engine-ext/pkg/errors"
	"github.com/marchshares/cell-engine-ext/pkg/tabular"
)

// Format names a bulk-statistics output format. The delimited-text
// formats match the API's own format strings; FormatTabular is sent as
// JSON on the wire and materialized into a frame locally.
type Format string

const (
	FormatJSON        Format = "json"
	FormatTSV         Format = "TSV (with header)"
	FormatTSVNoHeader Format = "TSV (without header)"
	FormatCSV         Format = "CSV (with header)"
	FormatCSVNoHeader Format = "CSV (without header)"
	FormatTabular     Format = "tabular"
)

const statisticQuantile = "quantile"

// StatisticsRequest shapes one bulk-statistics request. All modifier
// fields are optional; Extra is merged into the payload last and may
// override any computed field.
type StatisticsRequest struct {
	Statistics []string
	Channels   []string

	Q             *float64
	Annotations   bool
	Compensation  Compensation
	FcsFileIDs    []string
	Format        Format
	Layout        string
	PercentOf     interface{} // population ID, list of IDs, or "PARENT"
	PopulationIDs []string

	Extra map[string]interface{}
}

// StatisticsResult is the decoded response of one bulk-statistics call.
// Exactly one field is populated, matching the requested format.
type StatisticsResult struct {
	Records []map[string]interface{}
	Text    string
	Frame   *tabular.Frame
}

// payload builds the outgoing request body. Absent optional fields are
// omitted; Extra wins over every computed field.
func (r StatisticsRequest) payload() map[string]interface{} {
	format := r.Format
	if format == "" {
		format = FormatJSON
	}
	wireFormat := format
	if format == FormatTabular {
		wireFormat = FormatJSON
	}

	statistics := r.Statistics
	if statistics == nil {
		statistics = []string{}
	}
	channels := r.Channels
	if channels == nil {
		channels = []string{}
	}
	percentOf := r.PercentOf
	if percentOf == nil {
		percentOf = "PARENT"
	}

	params := map[string]interface{}{
		"statistics":     statistics,
		"channels":       channels,
		"annotations":    r.Annotations,
		"compensationId": r.Compensation.value(),
		"format":         string(wireFormat),
		"percentOf":      percentOf,
	}
	if r.Q != nil {
		params["q"] = *r.Q
	}
	if r.FcsFileIDs != nil {
		params["fcsFileIds"] = r.FcsFileIDs
	}
	if r.Layout != "" {
		params["layout"] = r.Layout
	}
	if r.PopulationIDs != nil {
		params["populationIds"] = r.PopulationIDs
	}
	for k, v := range r.Extra {
		params[k] = v
	}
	return params
}

// requestsQuantile reports whether the quantile statistic is requested,
// case-insensitively.
func (r StatisticsRequest) requestsQuantile() bool {
	for _, s := range r.Statistics {
		if strings.EqualFold(s, statisticQuantile) {
			return true
		}
	}
	return false
}

// BulkStatistics issues one bulk-statistics request and decodes the
// response per the requested format. Exactly one network call is made;
// no retries, no caching.
func (c *Client) BulkStatistics(ctx context.Context, experimentID string, req StatisticsRequest) (*StatisticsResult, error) {
	if req.requestsQuantile() && req.Q == nil {
		return nil, errors.New(errors.ErrCodeInvalidArgument,
			"q must be a number for the quantile statistic")
	}

	body, err := json.Marshal(req.payload())
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidArgument, "failed to encode statistics request", err)
	}

	endpoint := fmt.Sprintf("/api/v1/experiments/%s/bulkstatistics", experimentID)
	raw, err := c.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}

	return decodeStatistics(req.Format, raw)
}

// decodeStatistics is a pure post-processing switch on the requested
// output format, independent of the request.
func decodeStatistics(format Format, raw []byte) (*StatisticsResult, error) {
	if format == "" {
		format = FormatJSON
	}

	switch {
	case format == FormatJSON:
		var records []map[string]interface{}
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, errors.Wrap(errors.ErrCodeAPIDecodeFailed, "failed to decode statistics response", err)
		}
		return &StatisticsResult{Records: records}, nil

	case strings.Contains(strings.ToLower(string(format)), "sv"):
		if !utf8.Valid(raw) {
			return nil, errors.Newf(errors.ErrCodeInvalidFormat,
				"invalid output format %s: response is not valid text", format)
		}
		return &StatisticsResult{Text: string(raw)}, nil

	case format == FormatTabular:
		var records []map[string]interface{}
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidFormat,
				fmt.Sprintf("invalid data format %s for tabular frame", format), err)
		}
		return &StatisticsResult{Frame: tabular.FromRecords(records)}, nil

	default:
		return nil, errors.Newf(errors.ErrCodeInvalidFormat, "invalid data format selected: %s", format)
	}
}
