package metadiff

import (
	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
)

// Change classifies how an update affected the embedded video.
type Change string

const (
	ChangeNone     Change = "no_video_change"
	ChangeAdded    Change = "video_added"
	ChangeRemoved  Change = "video_removed"
	ChangeReplaced Change = "video_replaced"
)

// Decision is the outcome of comparing old and new metadata. Delete is set
// only when the old asset must be removed from the provider.
type Decision struct {
	Change Change
	Old    *media.AssetRef
	New    *media.AssetRef
	Delete *media.AssetRef
	// Preserved is true for a replacement whose new preview does not name
	// the old video as replaced, so the old asset stays on the provider.
	Preserved bool
}

type previewState struct {
	present bool
	preview media.Preview
	invalid bool
}

func readPreview(meta media.Metadata) previewState {
	preview, ok, err := media.PreviewFrom(meta)
	if err != nil {
		return previewState{invalid: true}
	}
	return previewState{present: ok, preview: preview}
}

// Classify compares the media_preview of two metadata maps. An undecodable
// preview on either side yields ChangeNone so nothing is deleted on bad input.
func Classify(old, new media.Metadata) Decision {
	return classify(readPreview(old), readPreview(new))
}

func classify(old, new previewState) Decision {
	if old.invalid || new.invalid {
		return Decision{Change: ChangeNone}
	}
	switch {
	case !old.present && !new.present:
		return Decision{Change: ChangeNone}
	case !old.present:
		ref := new.preview.Ref()
		return Decision{Change: ChangeAdded, New: &ref}
	case !new.present:
		ref := old.preview.Ref()
		return Decision{Change: ChangeRemoved, Old: &ref, Delete: &ref}
	}

	oldRef := old.preview.Ref()
	newRef := new.preview.Ref()
	if oldRef == newRef {
		return Decision{Change: ChangeNone, Old: &oldRef, New: &newRef}
	}
	decision := Decision{Change: ChangeReplaced, Old: &oldRef, New: &newRef}
	if replaces(new.preview, oldRef) {
		decision.Delete = &oldRef
	} else {
		decision.Preserved = true
	}
	return decision
}

func replaces(preview media.Preview, old media.AssetRef) bool {
	if preview.ReplacesVideoID == "" || preview.ReplacesVideoID != old.VideoID {
		return false
	}
	return preview.ReplacesProvider == "" || preview.ReplacesProvider == old.Provider
}
