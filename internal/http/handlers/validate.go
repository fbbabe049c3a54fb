package handlers

import (
	"encoding/json"
	"fmt"

	"atelier/internal/domain"
)

// requiredFields lists the payload fields each job type must carry before
// it may be enqueued. Validation failures are rejected at the gateway and
// never reach the queue.
var requiredFields = map[domain.JobType][]string{
	domain.JobTypeTextToImage:         {"prompt"},
	domain.JobTypeImageEdit:           {"image_key", "instruction"},
	domain.JobTypeVirtualTryOn:        {"person_key", "garment_key", "category"},
	domain.JobTypeBackgroundRemoval:   {"image_key"},
	domain.JobTypeSegmentation:        {"image_key"},
	domain.JobTypeDepthMap:            {"image_key"},
	domain.JobTypeAttributeExtraction: {"image_key"},
	domain.JobTypeTextureBatch:        {"image_key"},
	domain.JobTypeSelfEdit:            {"selfie_key", "instruction"},
	domain.JobTypeBeautify:            {"image_key"},
	domain.JobTypeAvatarCreate:        {"selfie_key"},
	domain.JobTypeVideoGenerate:       nil, // prompt or image_key, checked below
	domain.JobTypeSocialExport:        {"image_keys", "platform"},
	domain.JobTypeBatch:               {"items"},
}

func validateSubmission(jobType domain.JobType, payload json.RawMessage) error {
	if !jobType.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownJobType, jobType)
	}
	var fields map[string]any
	if len(payload) == 0 {
		fields = map[string]any{}
	} else if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("%w: payload must be a JSON object", domain.ErrValidation)
	}

	for _, name := range requiredFields[jobType] {
		if !fieldPresent(fields[name]) {
			return fmt.Errorf("%w: %s is required", domain.ErrValidation, name)
		}
	}
	if jobType == domain.JobTypeVideoGenerate {
		if !fieldPresent(fields["prompt"]) && !fieldPresent(fields["image_key"]) {
			return fmt.Errorf("%w: prompt or image_key is required", domain.ErrValidation)
		}
	}
	return nil
}

func fieldPresent(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	default:
		return true
	}
}
