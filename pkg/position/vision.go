package position

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"regexp"
	"strings"

	"github.com/menta2k/face-capture/pkg/client"
	"github.com/menta2k/face-capture/pkg/processing"
	"github.com/menta2k/face-capture/pkg/types"
)

// FacePrompt asks a vision model for the face bounding box
const FacePrompt = `You are a face locator for a selfie camera.

Return JSON only:
{
  "face_found": true,
  "confidence": 0.0,
  "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}
}

HARD RULES
- Coordinates are normalized to [0,1] (NOT pixels), x/y is the top-left corner.
- The box must tightly include the whole head of the single most prominent person.
- Profile (side) views count as faces.
- If no face is visible return {"face_found": false, "confidence": 0.0, "box": {"x":0,"y":0,"w":0,"h":0}}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// VisionConfig holds parameters for the vision-model locator
type VisionConfig struct {
	Model    string
	SendSize int
	SendQ    int
	Prompt   string
}

// VisionLocator locates faces with a vision language model
type VisionLocator struct {
	client client.VisionClient
	proc   *processing.Processor
	config VisionConfig
}

// NewVisionLocator creates a locator backed by a vision client
func NewVisionLocator(c client.VisionClient, config VisionConfig) *VisionLocator {
	if config.SendSize <= 0 {
		config.SendSize = 512
	}
	if config.SendQ <= 0 || config.SendQ > 100 {
		config.SendQ = 80
	}
	if config.Prompt == "" {
		config.Prompt = FacePrompt
	}
	return &VisionLocator{client: c, proc: processing.NewProcessor(), config: config}
}

// Probe implements Prober
func (l *VisionLocator) Probe(ctx context.Context) error {
	if l.client == nil {
		return fmt.Errorf("no vision client configured")
	}
	return l.client.Ping(ctx)
}

// Locate implements Locator
func (l *VisionLocator) Locate(ctx context.Context, img image.Image) (Location, error) {
	if img == nil || img.Bounds().Empty() {
		return Location{}, nil
	}
	imgB64, err := l.proc.PrepareImageForModel(img, "jpg", l.config.SendSize, l.config.SendQ)
	if err != nil {
		return Location{}, fmt.Errorf("failed to prepare image: %w", err)
	}
	raw, err := l.client.SimpleQuery(ctx, l.config.Model, l.config.Prompt, imgB64)
	if err != nil {
		return Location{}, err
	}
	return parseLocation(raw), nil
}

type modelReply struct {
	FaceFound  bool      `json:"face_found"`
	Confidence float64   `json:"confidence"`
	Box        types.Box `json:"box"`
}

// parseLocation never fails: unreadable replies count as no face
func parseLocation(raw string) Location {
	raw = sanitizeModelJSON(raw)
	var reply modelReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return Location{}
	}
	if !reply.FaceFound {
		return Location{}
	}
	return Location{
		Found:      true,
		Box:        normalizeBox(reply.Box),
		Confidence: clamp(reply.Confidence, 0, 1),
	}
}

var (
	reBlockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLineComment  = regexp.MustCompile(`(?m)//.*$`)
	reTrailing     = regexp.MustCompile(`,(\s*[}\]])`)
)

// sanitizeModelJSON removes code fences, comments, and trailing commas from JSON response
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.Trim(strings.TrimSpace(raw), "`")
	raw = reBlockComment.ReplaceAllString(raw, "")
	raw = reLineComment.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

// normalizeBox clamps the box into the unit square
func normalizeBox(b types.Box) types.Box {
	x := clamp(b.X, 0, 1)
	y := clamp(b.Y, 0, 1)
	return types.Box{
		X: x,
		Y: y,
		W: clamp(b.W, 0, 1-x),
		H: clamp(b.H, 0, 1-y),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
