package service

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/msfrecon/recond/internal/bom"
	"github.com/msfrecon/recond/internal/model"
)

const (
	bomPath        = "api/v1/bom"
	bomContentType = "application/vnd.cyclonedx+json; version=1.6"

	exportTimeout = 30 * time.Second
	maxErrorBody  = 4 << 10
)

// ErrRepositoryRejected is returned when the BOM repository refuses a BOM.
var ErrRepositoryRejected = errors.New("bom repository rejected the upload")

// BOMRepoExporter posts the CycloneDX BOM of every finished job to a BOM
// repository. The job id doubles as the BOM serial, so a repeated export
// of one job is reported by the repository as a conflict.
type BOMRepoExporter struct {
	endpoint string
	client   *http.Client
}

func NewBOMRepoExporter(serverURL string) (*BOMRepoExporter, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parsing repository url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" || strings.Trim(u.Path, "/") != "" {
		return nil, errors.New("please define the repository url with a scheme and without path, e.g. `http://127.0.0.1:8080`")
	}
	u.Path = "/" + bomPath
	return &BOMRepoExporter{
		endpoint: u.String(),
		client:   &http.Client{Timeout: exportTimeout},
	}, nil
}

func (e *BOMRepoExporter) Export(ctx context.Context, job model.Job) error {
	var body bytes.Buffer
	if err := bom.FromJob(job).AsJSON(&body); err != nil {
		return fmt.Errorf("encoding bom of job %s: %w", job.ID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", bomContentType)
	req.Header.Set("Accept", "application/json, application/problem+json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploading bom of job %s: %w", job.ID, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	created, err := readCreated(resp)
	if err != nil {
		return fmt.Errorf("uploading bom of job %s: %w", job.ID, err)
	}
	slog.DebugContext(ctx, "bom exported",
		"job_id", job.ID,
		"urn", created.SerialNumber,
		"version", created.Version)
	return nil
}

type bomCreated struct {
	SerialNumber string `json:"serialNumber"`
	Version      int    `json:"version"`
}

// readCreated decodes a 201 answer. Any other status is an error carrying
// the problem detail when the repository sent one.
func readCreated(resp *http.Response) (bomCreated, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))

	if resp.StatusCode == http.StatusCreated {
		if mediaType != "application/json" {
			return bomCreated{}, fmt.Errorf("expected application/json answer, got %q", mediaType)
		}
		var c bomCreated
		if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
			return bomCreated{}, fmt.Errorf("decoding answer: %w", err)
		}
		if c.SerialNumber == "" || c.Version == 0 {
			return bomCreated{}, errors.New("answer has no serial number or version")
		}
		return c, nil
	}

	if mediaType == "application/problem+json" {
		var p struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&p); err == nil {
			return bomCreated{}, fmt.Errorf("%w: status %d: %s", ErrRepositoryRejected, resp.StatusCode, cmp.Or(p.Detail, p.Title))
		}
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return bomCreated{}, fmt.Errorf("%w: status %d: %s", ErrRepositoryRejected, resp.StatusCode, bytes.TrimSpace(raw))
}
