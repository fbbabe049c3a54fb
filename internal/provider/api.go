package provider

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
)

// styleItem is one artifact in a provider response: inline base64 bytes or
// a remote URL to fetch.
type styleItem struct {
	Name        string `json:"name,omitempty"`
	Image       string `json:"image,omitempty"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// styleResult is the response envelope shared by every StyleEngine
// endpoint. Exactly one of the inline fields, URL, or Items is populated;
// attribute endpoints return Attributes instead.
type styleResult struct {
	Image       string          `json:"image,omitempty"`
	URL         string          `json:"url,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	Items       []styleItem     `json:"items,omitempty"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
}

type TextToImageRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
}

func (c *Client) GenerateImage(ctx context.Context, req TextToImageRequest) ([]Artifact, error) {
	res, err := c.postJSON(ctx, "/images/generate", req)
	if err != nil {
		return nil, err
	}
	return c.normalize(ctx, res)
}

type EditRequest struct {
	ImageURL    string `json:"image_url"`
	Instruction string `json:"instruction"`
	MaskURL     string `json:"mask_url,omitempty"`
}

func (c *Client) EditImage(ctx context.Context, req EditRequest) ([]Artifact, error) {
	res, err := c.postJSON(ctx, "/images/edit", req)
	if err != nil {
		return nil, err
	}
	return c.normalize(ctx, res)
}

type TryOnRequest struct {
	PersonURL  string
	GarmentURL string
	Category   string
}

// TryOn uses the form-encoded wire variant.
func (c *Client) TryOn(ctx context.Context, req TryOnRequest) ([]Artifact, error) {
	form := url.Values{}
	form.Set("model_image", req.PersonURL)
	form.Set("garment_image", req.GarmentURL)
	form.Set("category", req.Category)
	res, err := c.postForm(ctx, "/tryon", form)
	if err != nil {
		return nil, err
	}
	return c.normalize(ctx, res)
}

func (c *Client) RemoveBackground(ctx context.Context, imageURL string) ([]Artifact, error) {
	form := url.Values{}
	form.Set("image_url", imageURL)
	res, err := c.postForm(ctx, "/images/remove-background", form)
	if err != nil {
		return nil, err
	}
	return c.normalize(ctx, res)
}

type SegmentRequest struct {
	ImageURL string `json:"image_url"`
	Query    string `json:"query,omitempty"`
}

func (c *Client) Segment(ctx context.Context, req SegmentRequest) ([]Artifact, error) {
	res, err := c.postJSON(ctx, "/images/segment", req)
	if err != nil {
		return nil, err
	}
	return c.normalize(ctx, res)
}

func (c *Client) DepthMap(ctx context.Context, imageURL string) ([]Artifact, error) {
	res, err := c.postJSON(ctx, "/images/depth", map[string]string{"image_url": imageURL})
	if err != nil {
		return nil, err
	}
	return c.normalize(ctx, res)
}

// ExtractAttributes returns the provider's structured analysis of a garment
// image rather than binary artifacts.
func (c *Client) ExtractAttributes(ctx context.Context, imageURL string) (json.RawMessage, error) {
	res, err := c.postJSON(ctx, "/images/attributes", map[string]string{"image_url": imageURL})
	if err != nil {
		return nil, err
	}
	if len(res.Attributes) == 0 {
		return json.RawMessage("{}"), nil
	}
	return res.Attributes, nil
}

type TextureMapRequest struct {
	ImageURL string `json:"image_url"`
	Kind     string `json:"kind"`
}

// TextureMap renders one map kind (diffuse, normal, roughness, ...) of a
// texture batch. Batch jobs call it once per kind, sequentially.
func (c *Client) TextureMap(ctx context.Context, req TextureMapRequest) ([]Artifact, error) {
	res, err := c.postJSON(ctx, "/textures/map", req)
	if err != nil {
		return nil, err
	}
	return c.normalize(ctx, res)
}

func (c *Client) Beautify(ctx context.Context, imageURL string, strength int) ([]Artifact, error) {
	form := url.Values{}
	form.Set("image_url", imageURL)
	form.Set("strength", strconv.Itoa(strength))
	res, err := c.postForm(ctx, "/images/beautify", form)
	if err != nil {
		return nil, err
	}
	return c.normalize(ctx, res)
}

type SelfEditRequest struct {
	SelfieURL   string `json:"selfie_url"`
	Instruction string `json:"instruction"`
}

func (c *Client) SelfEdit(ctx context.Context, req SelfEditRequest) ([]Artifact, error) {
	res, err := c.postJSON(ctx, "/selfie/edit", req)
	if err != nil {
		return nil, err
	}
	return c.normalize(ctx, res)
}

type AvatarRequest struct {
	SelfieURL string `json:"selfie_url"`
	Style     string `json:"style,omitempty"`
}

func (c *Client) CreateAvatar(ctx context.Context, req AvatarRequest) ([]Artifact, error) {
	res, err := c.postJSON(ctx, "/avatars/create", req)
	if err != nil {
		return nil, err
	}
	return c.normalize(ctx, res)
}

type VideoRequest struct {
	Prompt   string `json:"prompt,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Seconds  int    `json:"seconds,omitempty"`
}

func (c *Client) GenerateVideo(ctx context.Context, req VideoRequest) ([]Artifact, error) {
	res, err := c.postJSON(ctx, "/videos/generate", req)
	if err != nil {
		return nil, err
	}
	return c.normalize(ctx, res)
}

type SocialExportRequest struct {
	ImageURLs []string `json:"image_urls"`
	Platform  string   `json:"platform"`
	Caption   string   `json:"caption,omitempty"`
}

func (c *Client) SocialExport(ctx context.Context, req SocialExportRequest) ([]Artifact, error) {
	res, err := c.postJSON(ctx, "/social/export", req)
	if err != nil {
		return nil, err
	}
	return c.normalize(ctx, res)
}
