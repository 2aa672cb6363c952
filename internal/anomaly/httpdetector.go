package anomaly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"time"
)

const detectorTimeout = 10 * time.Second

// HTTPDetector classifies frames against an external inference service:
// one JPEG frame per POST, one top label with a score back.
type HTTPDetector struct {
	url    string
	client *http.Client
}

// NewHTTPDetector points a detector at an inference endpoint.
func NewHTTPDetector(url string) *HTTPDetector {
	return &HTTPDetector{
		url:    url,
		client: &http.Client{Timeout: detectorTimeout},
	}
}

// Classify implements Detector.
func (d *HTTPDetector) Classify(ctx context.Context, frame image.Image) (Result, error) {
	var body bytes.Buffer
	if err := jpeg.Encode(&body, frame, &jpeg.Options{Quality: 80}); err != nil {
		return Result{}, fmt.Errorf("could not encode frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, &body)
	if err != nil {
		return Result{}, fmt.Errorf("could not build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("inference service returned %s", resp.Status)
	}

	var out struct {
		Label string  `json:"label"`
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("could not decode inference response: %w", err)
	}
	return Result{Label: out.Label, Score: out.Score}, nil
}
