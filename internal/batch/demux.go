package batch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"

	"github.com/iago/inbox-triage-back/internal/ai"
	"github.com/iago/inbox-triage-back/internal/domain"
	"github.com/iago/inbox-triage-back/internal/quality"
)

const previewLen = 120

// DemuxStats counts what happened to every output line.
type DemuxStats struct {
	Lines          int
	Materialized   int
	MalformedLines int
	MissingKeys    int
	ProviderErrors int
	NoAnswer       int
	EmptyAnswers   int
	SchemaErrors   int
	UnknownKeys    int
	DuplicateKeys  int
	CacheHits      int
	StreamErrors   int

	// Token counts as reported per answered line.
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Skipped is the number of lines that produced no record.
func (s DemuxStats) Skipped() int {
	return s.MalformedLines + s.MissingKeys + s.ProviderErrors + s.NoAnswer +
		s.EmptyAnswers + s.SchemaErrors + s.UnknownKeys + s.DuplicateKeys
}

type demuxer struct {
	validator *quality.ExtractionValidator
	requests  map[string]domain.ExtractionRequest
	newID     func() string
	logger    *log.Logger

	results map[string]domain.ExtractionResult
	stats   DemuxStats
}

func newDemuxer(
	validator *quality.ExtractionValidator,
	requests map[string]domain.ExtractionRequest,
	newID func() string,
	logger *log.Logger,
) *demuxer {
	return &demuxer{
		validator: validator,
		requests:  requests,
		newID:     newID,
		logger:    logger,
		results:   make(map[string]domain.ExtractionResult, len(requests)),
	}
}

// Run reads the output stream line by line. Every line is handled on its own;
// a bad line is counted and skipped. A broken stream keeps what was read.
func (d *demuxer) Run(stream io.Reader) ([]domain.ProcessedEmail, DemuxStats) {
	emails := make([]domain.ProcessedEmail, 0, len(d.requests))
	reader := bufio.NewReaderSize(stream, 256*1024)

	for {
		raw, err := reader.ReadBytes('\n')
		if line := bytes.TrimSpace(raw); len(line) > 0 {
			if email, ok := d.handle(line); ok {
				emails = append(emails, email)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.stats.StreamErrors++
				d.logf("batch output stream broken after lines=%d err=%v", d.stats.Lines, err)
			}
			break
		}
	}
	return emails, d.stats
}

func (d *demuxer) handle(line []byte) (domain.ProcessedEmail, bool) {
	d.stats.Lines++

	var response ai.BatchResponseLine
	if err := json.Unmarshal(line, &response); err != nil {
		d.stats.MalformedLines++
		d.logf("batch line skipped reason=malformed err=%v line=%q", err, quality.Preview(string(line), previewLen))
		return domain.ProcessedEmail{}, false
	}

	if response.Key == "" {
		d.stats.MissingKeys++
		d.logf("batch line skipped reason=missing_key line=%q", quality.Preview(string(line), previewLen))
		return domain.ProcessedEmail{}, false
	}

	if response.Error != nil {
		d.stats.ProviderErrors++
		d.logf("batch line skipped reason=provider_error key=%s code=%d message=%s", response.Key, response.Error.Code, response.Error.Message)
		return domain.ProcessedEmail{}, false
	}
	if response.Response != nil && response.Response.UsageMetadata != nil {
		usage := response.Response.UsageMetadata
		d.stats.InputTokens += usage.PromptTokenCount
		d.stats.OutputTokens += usage.CandidatesTokenCount
		d.stats.TotalTokens += usage.TotalTokenCount
	}

	text, ok := response.AnswerText()
	if !ok {
		d.stats.NoAnswer++
		d.logf("batch line skipped reason=no_answer key=%s", response.Key)
		return domain.ProcessedEmail{}, false
	}

	result, err := d.validator.Parse(text)
	if errors.Is(err, quality.ErrNoExtraction) {
		d.stats.EmptyAnswers++
		return domain.ProcessedEmail{}, false
	}
	if err != nil {
		d.stats.SchemaErrors++
		d.logf("batch line skipped reason=schema key=%s err=%v answer=%q", response.Key, err, quality.Preview(text, previewLen))
		return domain.ProcessedEmail{}, false
	}

	request, ok := d.requests[response.Key]
	if !ok {
		d.stats.UnknownKeys++
		d.logf("batch line skipped reason=unknown_key key=%s", response.Key)
		return domain.ProcessedEmail{}, false
	}

	if _, seen := d.results[response.Key]; seen {
		d.stats.DuplicateKeys++
		d.logf("batch line skipped reason=duplicate_key key=%s", response.Key)
		return domain.ProcessedEmail{}, false
	}

	d.results[response.Key] = result
	d.stats.Materialized++
	return domain.NewProcessedEmail(d.newID(), request.Message, result), true
}

func (d *demuxer) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}
