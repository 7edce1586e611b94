package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AssetType tags what an asset is and where it came from.
type AssetType string

const (
	AssetInputImage      AssetType = "input-image"
	AssetGeneratedImage  AssetType = "generated-image"
	AssetEditedImage     AssetType = "edited-image"
	AssetPersonImage     AssetType = "person-image"
	AssetGarmentImage    AssetType = "garment-image"
	AssetTryOnResult     AssetType = "try-on-result"
	AssetVideoInputImage AssetType = "video-input-image"
	AssetOutputImage     AssetType = "output-image"
	AssetInputVideo      AssetType = "input-video"
	AssetOutputVideo     AssetType = "output-video"
	AssetGeneratedVideo  AssetType = "generated-video"
)

// AssetTypes lists every known asset type, images first.
var AssetTypes = []AssetType{
	AssetInputImage,
	AssetGeneratedImage,
	AssetEditedImage,
	AssetPersonImage,
	AssetGarmentImage,
	AssetTryOnResult,
	AssetVideoInputImage,
	AssetOutputImage,
	AssetInputVideo,
	AssetOutputVideo,
	AssetGeneratedVideo,
}

func (t AssetType) String() string { return string(t) }

// IsValid reports whether t is one of AssetTypes.
func (t AssetType) IsValid() bool {
	for _, candidate := range AssetTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// Category returns the media category of the type.
func (t AssetType) Category() MediaCategory {
	switch t {
	case AssetInputVideo, AssetOutputVideo, AssetGeneratedVideo:
		return CategoryVideo
	default:
		return CategoryImage
	}
}

// ParseAssetType converts raw input into an AssetType.
func ParseAssetType(value string) (AssetType, error) {
	value = strings.TrimSpace(value)
	for _, candidate := range AssetTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", &ValidationError{Field: "type", Message: fmt.Sprintf("invalid asset type %q", value)}
}

// MediaCategory partitions asset types into images and videos.
type MediaCategory string

const (
	CategoryImage MediaCategory = "image"
	CategoryVideo MediaCategory = "video"
)

// ParseMediaCategory converts raw input into a MediaCategory.
func ParseMediaCategory(value string) (MediaCategory, error) {
	switch MediaCategory(strings.TrimSpace(value)) {
	case CategoryImage:
		return CategoryImage, nil
	case CategoryVideo:
		return CategoryVideo, nil
	}
	return "", &ValidationError{Field: "category", Message: fmt.Sprintf("invalid category %q (image, video)", value)}
}

// Library tabs, stored in Asset.Category by the remote service.
const (
	TabUserData          = "user-data"
	TabUserGeneratedData = "user-generated-data"
)

// Asset is a user-owned media record.
type Asset struct {
	ID        string
	URL       string
	Type      AssetType
	CreatedAt int64 // unix milliseconds
	UserID    string
	Category  string
	Extra     map[string]any
}

var assetKnownKeys = map[string]struct{}{
	"id": {}, "url": {}, "type": {}, "createdAt": {}, "userId": {}, "category": {},
}

// MarshalJSON flattens Extra next to the known fields.
func (a Asset) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(a.Extra)+6)
	for k, v := range a.Extra {
		if _, known := assetKnownKeys[k]; known {
			continue
		}
		out[k] = v
	}
	out["id"] = a.ID
	out["url"] = a.URL
	out["type"] = a.Type
	out["createdAt"] = a.CreatedAt
	if a.UserID != "" {
		out["userId"] = a.UserID
	}
	if a.Category != "" {
		out["category"] = a.Category
	}
	return json.Marshal(out)
}

// UnmarshalJSON keeps unknown keys in Extra. createdAt may be a number or
// a string the server failed to normalise; the latter decodes as zero.
func (a *Asset) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var res Asset
	for k, v := range raw {
		var err error
		switch k {
		case "id":
			err = json.Unmarshal(v, &res.ID)
		case "url":
			err = json.Unmarshal(v, &res.URL)
		case "type":
			var s string
			err = json.Unmarshal(v, &s)
			res.Type = AssetType(s)
		case "createdAt":
			var n json.Number
			if json.Unmarshal(v, &n) == nil {
				if f, ferr := n.Float64(); ferr == nil {
					res.CreatedAt = int64(f)
				}
			}
		case "userId":
			_ = json.Unmarshal(v, &res.UserID)
		case "category":
			_ = json.Unmarshal(v, &res.Category)
		default:
			var anyVal any
			if err := json.Unmarshal(v, &anyVal); err != nil {
				return fmt.Errorf("asset field %s: %w", k, err)
			}
			if res.Extra == nil {
				res.Extra = map[string]any{}
			}
			res.Extra[k] = anyVal
		}
		if err != nil {
			return fmt.Errorf("asset field %s: %w", k, err)
		}
	}
	*a = res
	return nil
}

// InTab reports whether the asset belongs to a library tab. Assets without a
// category are classified by type: only input-image counts as user data.
func (a Asset) InTab(tab string) bool {
	switch tab {
	case TabUserData:
		return a.Category == TabUserData || (a.Category == "" && a.Type == AssetInputImage)
	case TabUserGeneratedData:
		return a.Category == TabUserGeneratedData || (a.Category == "" && a.Type != AssetInputImage)
	}
	return true
}

// Tags returns the asset's tags extension field, if any.
func (a Asset) Tags() []string {
	raw, ok := a.Extra["tags"].([]any)
	if !ok {
		return nil
	}
	tags := make([]string, 0, len(raw))
	for _, t := range raw {
		if s, ok := t.(string); ok {
			tags = append(tags, s)
		}
	}
	return tags
}

// Skin is a named UI theme preset.
type Skin string

const (
	SkinDefault  Skin = "default"
	SkinLight    Skin = "light"
	SkinBanana   Skin = "banana"
	SkinMidnight Skin = "midnight"
)

var Skins = []Skin{SkinDefault, SkinLight, SkinBanana, SkinMidnight}

// ParseSkin converts raw input into a Skin.
func ParseSkin(value string) (Skin, error) {
	for _, s := range Skins {
		if string(s) == strings.TrimSpace(value) {
			return s, nil
		}
	}
	return "", &ValidationError{Field: "skin", Message: fmt.Sprintf("unknown skin %q", value)}
}

// Step is one stage of the try-on wizard.
type Step int

const (
	StepModelSelection Step = iota + 1
	StepBackground
	StepGarment
	StepTryOn
)

func (s Step) String() string {
	switch s {
	case StepModelSelection:
		return "model"
	case StepBackground:
		return "background"
	case StepGarment:
		return "garment"
	case StepTryOn:
		return "try-on"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// ModelSource records where the model image came from.
type ModelSource string

const (
	ModelSourceAI      ModelSource = "ai"
	ModelSourceUpload  ModelSource = "upload"
	ModelSourceHistory ModelSource = "history"
)

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
