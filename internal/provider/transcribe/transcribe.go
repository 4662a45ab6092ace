// Package transcribe turns uploaded audio into text with AWS Transcribe.
//
// A call uploads the audio, starts an asynchronous job, polls it at a fixed
// interval for a bounded number of attempts and downloads the transcript.
// The uploaded object and the job record are removed whatever the outcome.
package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/transcribe"
	"github.com/aws/aws-sdk-go-v2/service/transcribe/types"
	"github.com/felipepmaragno/storyforge/internal/circuitbreaker"
	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/httputil"
	"github.com/felipepmaragno/storyforge/internal/provider"
	"github.com/felipepmaragno/storyforge/internal/storage"
	"github.com/felipepmaragno/storyforge/internal/telemetry"
	"github.com/google/uuid"
)

const (
	Vendor = "transcribe"
	Model  = "aws-transcribe"

	DefaultPollInterval = 5 * time.Second
	DefaultMaxAttempts  = 60
	DefaultLanguage     = "en-US"
)

// API is the subset of the Transcribe client used here.
type API interface {
	StartTranscriptionJob(ctx context.Context, params *transcribe.StartTranscriptionJobInput, optFns ...func(*transcribe.Options)) (*transcribe.StartTranscriptionJobOutput, error)
	GetTranscriptionJob(ctx context.Context, params *transcribe.GetTranscriptionJobInput, optFns ...func(*transcribe.Options)) (*transcribe.GetTranscriptionJobOutput, error)
	DeleteTranscriptionJob(ctx context.Context, params *transcribe.DeleteTranscriptionJobInput, optFns ...func(*transcribe.Options)) (*transcribe.DeleteTranscriptionJobOutput, error)
}

type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
	LanguageCode string
	KeyPrefix    string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.LanguageCode == "" {
		c.LanguageCode = DefaultLanguage
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "transcriptions/"
	}
	return c
}

type Client struct {
	api     API
	store   storage.Store
	http    *http.Client
	breaker circuitbreaker.CircuitBreaker
	cfg     Config
}

func New(cfg aws.Config, store storage.Store, breaker circuitbreaker.CircuitBreaker, tc Config) *Client {
	return NewWithAPI(transcribe.NewFromConfig(cfg), store, nil, breaker, tc)
}

func NewWithAPI(api API, store storage.Store, client *http.Client, breaker circuitbreaker.CircuitBreaker, tc Config) *Client {
	if client == nil {
		client = httputil.WithTimeout(0)
	}
	return &Client{
		api:     api,
		store:   store,
		http:    client,
		breaker: breaker,
		cfg:     tc.withDefaults(),
	}
}

func (c *Client) ID() string {
	return Vendor
}

type jobRecord struct {
	JobName      string `json:"job_name"`
	MediaURI     string `json:"media_uri"`
	MediaFormat  string `json:"media_format"`
	LanguageCode string `json:"language_code"`
	Bytes        int    `json:"bytes"`
}

// Transcribe runs one transcription. format is the audio container, for
// example "mp3", "wav" or "webm".
func (c *Client) Transcribe(ctx context.Context, audio []byte, format string) *domain.GenerationResult {
	ctx, span := telemetry.StartSpan(ctx, "provider."+Vendor)
	defer span.End()
	telemetry.AddProviderAttributes(span, Vendor, Model)

	res := c.run(ctx, audio, strings.ToLower(format))
	if err := res.Err(); err != nil {
		telemetry.AddErrorAttribute(span, err)
	}
	return provider.Observe(ctx, Vendor, Model, c.breaker, res)
}

func (c *Client) run(ctx context.Context, audio []byte, format string) *domain.GenerationResult {
	jobName := "storyforge-" + uuid.NewString()
	rec := jobRecord{
		JobName:      jobName,
		MediaFormat:  format,
		LanguageCode: c.cfg.LanguageCode,
		Bytes:        len(audio),
	}

	if c.breaker != nil {
		if err := c.breaker.Allow(ctx); err != nil {
			return provider.Failure(c.record(rec), err, 0)
		}
	}

	var sw provider.Stopwatch
	sw.Start()

	obj, err := c.store.Put(ctx, c.cfg.KeyPrefix+jobName+"."+format, audio, "audio/"+format)
	if err != nil {
		sw.Stop()
		return provider.Failure(c.record(rec), fmt.Errorf("upload audio: %w", err), sw.Seconds())
	}
	rec.MediaURI = obj.URI
	request := c.record(rec)

	defer c.cleanup(ctx, obj.Key, jobName)

	_, err = c.api.StartTranscriptionJob(ctx, &transcribe.StartTranscriptionJobInput{
		TranscriptionJobName: aws.String(jobName),
		LanguageCode:         types.LanguageCode(c.cfg.LanguageCode),
		MediaFormat:          types.MediaFormat(format),
		Media:                &types.Media{MediaFileUri: aws.String(obj.URI)},
	})
	if err != nil {
		sw.Stop()
		return provider.Failure(request, fmt.Errorf("start job: %w", err), sw.Seconds())
	}

	job, err := c.wait(ctx, jobName)
	if err != nil {
		sw.Stop()
		if errors.Is(err, domain.ErrTimeoutExceeded) {
			return &domain.GenerationResult{
				Request:    request,
				StatusCode: provider.StatusTransportFailure,
				Elapsed:    sw.Seconds(),
				Error:      err.Error(),
				Cause:      domain.ErrTimeoutExceeded,
			}
		}
		return provider.Failure(request, err, sw.Seconds())
	}

	if job.TranscriptionJobStatus == types.TranscriptionJobStatusFailed {
		sw.Stop()
		return &domain.GenerationResult{
			Request:    request,
			StatusCode: provider.StatusTransportFailure,
			Elapsed:    sw.Seconds(),
			Error:      "transcription failed: " + aws.ToString(job.FailureReason),
			Cause:      domain.ErrProviderApplication,
		}
	}

	if job.Transcript == nil || aws.ToString(job.Transcript.TranscriptFileUri) == "" {
		sw.Stop()
		return provider.Normalize(request, provider.StatusTransportFailure, nil, sw.Seconds())
	}

	status, body, err := c.fetch(ctx, aws.ToString(job.Transcript.TranscriptFileUri))
	sw.Stop()
	if err != nil {
		return provider.Failure(request, fmt.Errorf("fetch transcript: %w", err), sw.Seconds())
	}
	return provider.Normalize(request, status, body, sw.Seconds())
}

// wait polls until the job leaves the in-progress states or the attempt
// budget runs out.
func (c *Client) wait(ctx context.Context, jobName string) (*types.TranscriptionJob, error) {
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		out, err := c.api.GetTranscriptionJob(ctx, &transcribe.GetTranscriptionJobInput{
			TranscriptionJobName: aws.String(jobName),
		})
		if err != nil {
			return nil, fmt.Errorf("get job: %w", err)
		}

		job := out.TranscriptionJob
		if job != nil {
			switch job.TranscriptionJobStatus {
			case types.TranscriptionJobStatusCompleted, types.TranscriptionJobStatusFailed:
				return job, nil
			}
		}

		if attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
	return nil, fmt.Errorf("%w: job %s not finished after %d attempts", domain.ErrTimeoutExceeded, jobName, c.cfg.MaxAttempts)
}

func (c *Client) fetch(ctx context.Context, uri string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// cleanup runs on a context detached from cancellation so an abandoned
// request still removes its audio and job.
func (c *Client) cleanup(ctx context.Context, key, jobName string) {
	ctx = context.WithoutCancel(ctx)

	if err := c.store.Delete(ctx, key); err != nil {
		slog.Warn("failed to delete transcription audio", "key", key, "error", err)
	}
	_, err := c.api.DeleteTranscriptionJob(ctx, &transcribe.DeleteTranscriptionJobInput{
		TranscriptionJobName: aws.String(jobName),
	})
	if err != nil {
		slog.Warn("failed to delete transcription job", "job", jobName, "error", err)
	}
}

func (c *Client) record(rec jobRecord) json.RawMessage {
	raw, _ := json.Marshal(rec)
	return raw
}

type transcript struct {
	Results struct {
		Transcripts []struct {
			Transcript string `json:"transcript"`
		} `json:"transcripts"`
	} `json:"results"`
}

// Text extracts the transcript from the result document.
func Text(raw json.RawMessage) (string, error) {
	var t transcript
	if err := json.Unmarshal(raw, &t); err != nil {
		return "", fmt.Errorf("decode transcript: %w", err)
	}
	parts := make([]string, 0, len(t.Results.Transcripts))
	for _, tr := range t.Results.Transcripts {
		parts = append(parts, tr.Transcript)
	}
	return strings.Join(parts, " "), nil
}
