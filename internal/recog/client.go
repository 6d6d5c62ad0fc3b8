package recog

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rinInwza007/Webrecog/internal/phase"
)

// Box is a face bounding box in image coordinates.
type Box struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// Face is one detection result.
type Face struct {
	Box     Box     `json:"box"`
	Quality float64 `json:"quality"`
}

// Embedding is a face feature vector.
type Embedding []float64

// Client calls the face detection/encoding microservice. With Skip set it
// returns deterministic mock results, which keeps the rest of the system
// runnable without the service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. Face processing can take several seconds, hence
// the generous timeout.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Detect finds faces in an image using the given accuracy tier.
func (c *Client) Detect(ctx context.Context, image []byte, accuracy phase.Accuracy) ([]Face, error) {
	if c.Skip {
		return []Face{{Box: Box{Top: 10, Right: 110, Bottom: 110, Left: 10}, Quality: 0.85}}, nil
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("empty image")
	}

	payload := map[string]any{
		"image": base64.StdEncoding.EncodeToString(image),
		"model": string(accuracy),
	}
	var out struct {
		Faces []Face `json:"faces"`
	}
	if err := c.post(ctx, "/detect", payload, &out); err != nil {
		return nil, err
	}
	return out.Faces, nil
}

// Encode produces one embedding per bounding box. Higher jitter counts
// trade time for embedding stability.
func (c *Client) Encode(ctx context.Context, image []byte, boxes []Box, jitters int) ([]Embedding, error) {
	if c.Skip {
		embs := make([]Embedding, len(boxes))
		for i := range embs {
			embs[i] = Embedding{0.1, 0.2, 0.3}
		}
		return embs, nil
	}

	payload := map[string]any{
		"image":   base64.StdEncoding.EncodeToString(image),
		"boxes":   boxes,
		"jitters": jitters,
	}
	var out struct {
		Embeddings []Embedding `json:"embeddings"`
	}
	if err := c.post(ctx, "/encode", payload, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return out.Embeddings, nil
}

// Health checks if the face service is reachable.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("face service error %s: %s", resp.Status, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
