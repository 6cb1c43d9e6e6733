package client

import "context"

// VisionClient sends an image and a prompt to a vision language model
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	Ping(ctx context.Context) error
}
