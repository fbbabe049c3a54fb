package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"atelier/internal/domain"
	"atelier/internal/objectstore"
	"atelier/internal/provider"
	"atelier/pkg/zip"
)

// handlerResult is what a handler returns on success: the ordered artifact
// keys plus optional structured metadata to merge into the job record.
type handlerResult struct {
	Keys         []string
	MetadataJSON []byte
}

type handlerFunc func(ctx context.Context, e *Executor, msg domain.JobMessage, p *progress) (handlerResult, error)

// handlers is the closed dispatch table. An unmatched type is an explicit
// rejection, never a silent no-op.
var handlers = map[domain.JobType]handlerFunc{
	domain.JobTypeTextToImage:         handleTextToImage,
	domain.JobTypeImageEdit:           handleImageEdit,
	domain.JobTypeVirtualTryOn:        handleVirtualTryOn,
	domain.JobTypeBackgroundRemoval:   handleBackgroundRemoval,
	domain.JobTypeSegmentation:        handleSegmentation,
	domain.JobTypeDepthMap:            handleDepthMap,
	domain.JobTypeAttributeExtraction: handleAttributeExtraction,
	domain.JobTypeTextureBatch:        handleTextureBatch,
	domain.JobTypeSelfEdit:            handleSelfEdit,
	domain.JobTypeBeautify:            handleBeautify,
	domain.JobTypeAvatarCreate:        handleAvatarCreate,
	domain.JobTypeVideoGenerate:       handleVideoGenerate,
	domain.JobTypeSocialExport:        handleSocialExport,
}

// handleBatch reads the handlers map itself, so it is registered in init to
// avoid an initialization cycle in the map literal.
func init() {
	handlers[domain.JobTypeBatch] = handleBatch
}

func decodePayload[T any](raw json.RawMessage, dst *T) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", domain.ErrValidation)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: decode payload: %v", domain.ErrValidation, err)
	}
	return nil
}

// signedInput mints a short-lived provider-facing read URL for an input key.
func (e *Executor) signedInput(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: input key required", domain.ErrValidation)
	}
	u, err := e.Objects.SignedURL(ctx, key, objectstore.ProviderReadTTL)
	if err != nil {
		return "", fmt.Errorf("sign input %s: %w", key, err)
	}
	return u, nil
}

// runSingle is the shared handler protocol for single-call jobs: dispatch,
// normalize, upload, report milestones.
func runSingle(ctx context.Context, e *Executor, msg domain.JobMessage, p *progress, call func(context.Context) ([]provider.Artifact, error)) (handlerResult, error) {
	p.Step(ctx, "dispatching", pctDispatched, nil)
	artifacts, err := call(ctx)
	if err != nil {
		return handlerResult{}, err
	}
	p.Step(ctx, "fetched", pctFetched, map[string]any{"artifacts": len(artifacts)})
	keys, err := uploadAll(ctx, e, msg.ID, artifacts)
	if err != nil {
		return handlerResult{}, err
	}
	p.Step(ctx, "uploaded", pctUploaded, map[string]any{"result_keys": keys})
	return handlerResult{Keys: keys}, nil
}

func handleTextToImage(ctx context.Context, e *Executor, msg domain.JobMessage, p *progress) (handlerResult, error) {
	var req struct {
		Prompt         string `json:"prompt"`
		NegativePrompt string `json:"negative_prompt"`
		AspectRatio    string `json:"aspect_ratio"`
	}
	if err := decodePayload(msg.Payload, &req); err != nil {
		return handlerResult{}, err
	}
	if req.Prompt == "" {
		return handlerResult{}, fmt.Errorf("%w: prompt required", domain.ErrValidation)
	}
	return runSingle(ctx, e, msg, p, func(ctx context.Context) ([]provider.Artifact, error) {
		return e.Provider.GenerateImage(ctx, provider.TextToImageRequest{
			Prompt:         req.Prompt,
			NegativePrompt: req.NegativePrompt,
			AspectRatio:    req.AspectRatio,
		})
	})
}

func handleImageEdit(ctx context.Context, e *Executor, msg domain.JobMessage, p *progress) (handlerResult, error) {
	var req struct {
		ImageKey    string `json:"image_key"`
		Instruction string `json:"instruction"`
		MaskKey     string `json:"mask_key"`
	}
	if err := decodePayload(msg.Payload, &req); err != nil {
		return handlerResult{}, err
	}
	imageURL, err := e.signedInput(ctx, req.ImageKey)
	if err != nil {
		return handlerResult{}, err
	}
	maskURL := ""
	if req.MaskKey != "" {
		if maskURL, err = e.signedInput(ctx, req.MaskKey); err != nil {
			return handlerResult{}, err
		}
	}
	return runSingle(ctx, e, msg, p, func(ctx context.Context) ([]provider.Artifact, error) {
		return e.Provider.EditImage(ctx, provider.EditRequest{
			ImageURL:    imageURL,
			Instruction: req.Instruction,
			MaskURL:     maskURL,
		})
	})
}

func handleVirtualTryOn(ctx context.Context, e *Executor, msg domain.JobMessage, p *progress) (handlerResult, error) {
	var req struct {
		PersonKey  string `json:"person_key"`
		GarmentKey string `json:"garment_key"`
		Category   string `json:"category"`
	}
	if err := decodePayload(msg.Payload, &req); err != nil {
		return handlerResult{}, err
	}
	personURL, err := e.signedInput(ctx, req.PersonKey)
	if err != nil {
		return handlerResult{}, err
	}
	garmentURL, err := e.signedInput(ctx, req.GarmentKey)
	if err != nil {
		return handlerResult{}, err
	}
	return runSingle(ctx, e, msg, p, func(ctx context.Context) ([]provider.Artifact, error) {
		return e.Provider.TryOn(ctx, provider.TryOnRequest{
			PersonURL:  personURL,
			GarmentURL: garmentURL,
			Category:   req.Category,
		})
	})
}

func handleBackgroundRemoval(ctx context.Context, e *Executor, msg domain.JobMessage, p *progress) (handlerResult, error) {
	imageURL, err := singleImageInput(ctx, e, msg)
	if err != nil {
		return handlerResult{}, err
	}
	return runSingle(ctx, e, msg, p, func(ctx context.Context) ([]provider.Artifact, error) {
		return e.Provider.RemoveBackground(ctx, imageURL)
	})
}

func handleSegmentation(ctx context.Context, e *Executor, msg domain.JobMessage, p *progress) (handlerResult, error) {
	var req struct {
		ImageKey string `json:"image_key"`
		Query    string `json:"query"`
	}
	if err := decodePayload(msg.Payload, &req); err != nil {
		return handlerResult{}, err
	}
	imageURL, err := e.signedInput(ctx, req.ImageKey)
	if err != nil {
		return handlerResult{}, err
	}
	return runSingle(ctx, e, msg, p, func(ctx context.Context) ([]provider.Artifact, error) {
		return e.Provider.Segment(ctx, provider.SegmentRequest{ImageURL: imageURL, Query: req.Query})
	})
}

func handleDepthMap(ctx context.Context, e *Executor, msg domain.JobMessage, p *progress) (handlerResult, error) {
	imageURL, err := singleImageInput(ctx, e, msg)
	if err != nil {
		return handlerResult{}, err
	}
	return runSingle(ctx, e, msg, p, func(ctx context.Context) ([]provider.Artifact, error) {
		return e.Provider.DepthMap(ctx, imageURL)
	})
}

// handleAttributeExtraction stores the provider's structured analysis both
// as job metadata and as a JSON artifact so the result-key invariant holds.
func handleAttributeExtraction(ctx context.Context, e *Executor, msg domain.JobMessage, p *progress) (handlerResult, error) {
	imageURL, err := singleImageInput(ctx, e, msg)
	if err != nil {
		return handlerResult{}, err
	}
	p.Step(ctx, "dispatching", pctDispatched, nil)
	attrs, err := e.Provider.ExtractAttributes(ctx, imageURL)
	if err != nil {
		return handlerResult{}, err
	}
	p.Step(ctx, "fetched", pctFetched, nil)

	key := fmt.Sprintf("jobs/%s/attributes.json", msg.ID)
	if _, err := e.Objects.UploadBuffer(ctx, attrs, key, "application/json"); err != nil {
		return handlerResult{}, err
	}
	p.Step(ctx, "uploaded", pctUploaded, nil)

	metadata, err := json.Marshal(map[string]any{"attributes": json.RawMessage(attrs)})
	if err != nil {
		return handlerResult{}, err
	}
	return handlerResult{Keys: []string{key}, MetadataJSON: metadata}, nil
}

// handleTextureBatch renders map kinds sequentially with proportional
// progress. A failure on any kind aborts the job; keys already uploaded are
// kept in metadata under partial_keys for salvage but never become results.
func handleTextureBatch(ctx context.Context, e *Executor, msg domain.JobMessage, p *progress) (handlerResult, error) {
	var req struct {
		ImageKey string   `json:"image_key"`
		Maps     []string `json:"maps"`
	}
	if err := decodePayload(msg.Payload, &req); err != nil {
		return handlerResult{}, err
	}
	if len(req.Maps) == 0 {
		req.Maps = []string{"diffuse", "normal", "roughness"}
	}
	imageURL, err := e.signedInput(ctx, req.ImageKey)
	if err != nil {
		return handlerResult{}, err
	}

	var keys []string
	for i, kind := range req.Maps {
		pct := pctDispatched + (pctUploaded-pctDispatched)*i/len(req.Maps)
		p.Step(ctx, "rendering", pct, map[string]any{"map": kind})
		artifacts, err := e.Provider.TextureMap(ctx, provider.TextureMapRequest{ImageURL: imageURL, Kind: kind})
		if err != nil {
			return handlerResult{}, abortBatch(ctx, e, msg.ID, keys, fmt.Errorf("texture map %s: %w", kind, err))
		}
		uploaded, err := uploadNamed(ctx, e, msg.ID, kind, artifacts)
		if err != nil {
			return handlerResult{}, abortBatch(ctx, e, msg.ID, keys, err)
		}
		keys = append(keys, uploaded...)
	}
	p.Step(ctx, "uploaded", pctUploaded, map[string]any{"result_keys": keys})
	return handlerResult{Keys: keys}, nil
}

func handleSelfEdit(ctx context.Context, e *Executor, msg domain.JobMessage, p *progress) (handlerResult, error) {
	var req struct {
		SelfieKey   string `json:"selfie_key"`
		Instruction string `json:"instruction"`
	}
	if err := decodePayload(msg.Payload, &req); err != nil {
		return handlerResult{}, err
	}
	selfieURL, err := e.signedInput(ctx, req.SelfieKey)
	if err != nil {
		return handlerResult{}, err
	}
	return runSingle(ctx, e, msg, p, func(ctx context.Context) ([]provider.Artifact, error) {
		return e.Provider.SelfEdit(ctx, provider.SelfEditRequest{SelfieURL: selfieURL, Instruction: req.Instruction})
	})
}

func handleBeautify(ctx context.Context, e *Executor, msg domain.JobMessage, p *progress) (handlerResult, error) {
	var req struct {
		ImageKey string `json:"image_key"`
		Strength int    `json:"strength"`
	}
	if err := decodePayload(msg.Payload, &req); err != nil {
		return handlerResult{}, err
	}
	if req.Strength <= 0 {
		req.Strength = 50
	}
	imageURL, err := e.signedInput(ctx, req.ImageKey)
	if err != nil {
		return handlerResult{}, err
	}
	return runSingle(ctx, e, msg, p, func(ctx context.Context) ([]provider.Artifact, error) {
		return e.Provider.Beautify(ctx, imageURL, req.Strength)
	})
}

func handleAvatarCreate(ctx context.Context, e *Executor, msg domain.JobMessage, p *progress) (handlerResult, error) {
	var req struct {
		SelfieKey string `json:"selfie_key"`
		Style     string `json:"style"`
	}
	if err := decodePayload(msg.Payload, &req); err != nil {
		return handlerResult{}, err
	}
	selfieURL, err := e.signedInput(ctx, req.SelfieKey)
	if err != nil {
		return handlerResult{}, err
	}
	return runSingle(ctx, e, msg, p, func(ctx context.Context) ([]provider.Artifact, error) {
		return e.Provider.CreateAvatar(ctx, provider.AvatarRequest{SelfieURL: selfieURL, Style: req.Style})
	})
}

func handleVideoGenerate(ctx context.Context, e *Executor, msg domain.JobMessage, p *progress) (handlerResult, error) {
	var req struct {
		Prompt   string `json:"prompt"`
		ImageKey string `json:"image_key"`
		Seconds  int    `json:"seconds"`
	}
	if err := decodePayload(msg.Payload, &req); err != nil {
		return handlerResult{}, err
	}
	imageURL := ""
	if req.ImageKey != "" {
		var err error
		if imageURL, err = e.signedInput(ctx, req.ImageKey); err != nil {
			return handlerResult{}, err
		}
	}
	if req.Prompt == "" && imageURL == "" {
		return handlerResult{}, fmt.Errorf("%w: prompt or image_key required", domain.ErrValidation)
	}
	return runSingle(ctx, e, msg, p, func(ctx context.Context) ([]provider.Artifact, error) {
		return e.Provider.GenerateVideo(ctx, provider.VideoRequest{Prompt: req.Prompt, ImageURL: imageURL, Seconds: req.Seconds})
	})
}

// handleSocialExport renders platform-sized variants and additionally
// bundles them into one zip archive stored as the last result key.
func handleSocialExport(ctx context.Context, e *Executor, msg domain.JobMessage, p *progress) (handlerResult, error) {
	var req struct {
		ImageKeys []string `json:"image_keys"`
		Platform  string   `json:"platform"`
		Caption   string   `json:"caption"`
	}
	if err := decodePayload(msg.Payload, &req); err != nil {
		return handlerResult{}, err
	}
	if len(req.ImageKeys) == 0 {
		return handlerResult{}, fmt.Errorf("%w: image_keys required", domain.ErrValidation)
	}
	urls := make([]string, 0, len(req.ImageKeys))
	for _, key := range req.ImageKeys {
		u, err := e.signedInput(ctx, key)
		if err != nil {
			return handlerResult{}, err
		}
		urls = append(urls, u)
	}

	p.Step(ctx, "dispatching", pctDispatched, nil)
	artifacts, err := e.Provider.SocialExport(ctx, provider.SocialExportRequest{
		ImageURLs: urls,
		Platform:  req.Platform,
		Caption:   req.Caption,
	})
	if err != nil {
		return handlerResult{}, err
	}
	p.Step(ctx, "fetched", pctFetched, map[string]any{"artifacts": len(artifacts)})

	keys, err := uploadAll(ctx, e, msg.ID, artifacts)
	if err != nil {
		return handlerResult{}, err
	}

	bundle := make([]zip.Asset, 0, len(artifacts))
	for _, artifact := range artifacts {
		bundle = append(bundle, zip.Asset{
			Filename: ensureExtension(artifact.Name, artifact.ContentType),
			MIME:     artifact.ContentType,
			Data:     artifact.Data,
		})
	}
	archiveKey := fmt.Sprintf("jobs/%s/export.zip", msg.ID)
	if data := zip.ArchiveAssets(bundle); len(data) > 0 {
		if _, err := e.Objects.UploadBuffer(ctx, data, archiveKey, "application/zip"); err == nil {
			keys = append(keys, archiveKey)
		} else {
			// Bundle upload is best-effort; individual artifacts remain.
			e.Logger.Warn().Err(err).Str("job_id", msg.ID).Msg("worker: export bundle upload failed")
		}
	}
	p.Step(ctx, "uploaded", pctUploaded, map[string]any{"result_keys": keys})
	return handlerResult{Keys: keys}, nil
}

// handleBatch runs heterogeneous sub-jobs sequentially with proportional
// progress; the first failure aborts the whole job.
func handleBatch(ctx context.Context, e *Executor, msg domain.JobMessage, p *progress) (handlerResult, error) {
	var req struct {
		Items []struct {
			Type    domain.JobType  `json:"type"`
			Payload json.RawMessage `json:"payload"`
		} `json:"items"`
	}
	if err := decodePayload(msg.Payload, &req); err != nil {
		return handlerResult{}, err
	}
	if len(req.Items) == 0 {
		return handlerResult{}, fmt.Errorf("%w: items required", domain.ErrValidation)
	}

	var keys []string
	merged := map[string]json.RawMessage{}
	for i, item := range req.Items {
		if item.Type == domain.JobTypeBatch {
			return handlerResult{}, fmt.Errorf("%w: nested batch", domain.ErrValidation)
		}
		sub, ok := handlers[item.Type]
		if !ok {
			return handlerResult{}, fmt.Errorf("%w: %q", domain.ErrUnknownJobType, item.Type)
		}
		pct := pctDispatched + (pctUploaded-pctDispatched)*i/len(req.Items)
		p.Step(ctx, "batch_item", pct, map[string]any{"index": i, "type": item.Type})

		subMsg := domain.JobMessage{
			ID:      fmt.Sprintf("%s/%02d", msg.ID, i),
			Type:    item.Type,
			OwnerID: msg.OwnerID,
			Payload: item.Payload,
			Attempt: msg.Attempt,
		}
		result, err := sub(ctx, e, subMsg, newProgress(msg.ID, e.Store, e.Notifier, e.Logger))
		if err != nil {
			return handlerResult{}, abortBatch(ctx, e, msg.ID, keys, fmt.Errorf("batch item %d (%s): %w", i, item.Type, err))
		}
		keys = append(keys, result.Keys...)
		if len(result.MetadataJSON) > 0 {
			var fields map[string]json.RawMessage
			if err := json.Unmarshal(result.MetadataJSON, &fields); err != nil {
				e.Logger.Warn().Err(err).Str("job_id", msg.ID).Int("index", i).Msg("worker: batch item metadata discarded")
			} else {
				for k, v := range fields {
					merged[k] = v
				}
			}
		}
	}
	p.Step(ctx, "uploaded", pctUploaded, map[string]any{"result_keys": keys})

	res := handlerResult{Keys: keys}
	if len(merged) > 0 {
		data, err := json.Marshal(merged)
		if err != nil {
			return handlerResult{}, fmt.Errorf("encode batch metadata: %w", err)
		}
		res.MetadataJSON = data
	}
	return res, nil
}

func singleImageInput(ctx context.Context, e *Executor, msg domain.JobMessage) (string, error) {
	var req struct {
		ImageKey string `json:"image_key"`
	}
	if err := decodePayload(msg.Payload, &req); err != nil {
		return "", err
	}
	return e.signedInput(ctx, req.ImageKey)
}

// abortBatch records keys produced before the failure so operators can
// salvage them; the job's result list stays empty.
func abortBatch(ctx context.Context, e *Executor, jobID string, partialKeys []string, cause error) error {
	if len(partialKeys) > 0 {
		metadata, err := json.Marshal(map[string]any{"partial_keys": partialKeys})
		if err == nil {
			if err := e.Store.MergeMetadata(ctx, jobID, metadata); err != nil {
				e.Logger.Warn().Err(err).Str("job_id", jobID).Msg("worker: partial key metadata write failed")
			}
		}
	}
	return cause
}
