package detection

import (
	"github.com/google/uuid"
)

// BuildFrameRecord assembles a frame record from decoded detections and
// the envelope metadata. A fresh id is assigned to every record.
func BuildFrameRecord(items []Item, meta Metadata) FrameRecord {
	if items == nil {
		items = []Item{}
	}
	return FrameRecord{
		ID:         uuid.New().String(),
		DeviceID:   meta.DeviceID,
		ModelID:    meta.ModelID,
		Timestamp:  meta.Timestamp.Unix(),
		Detections: items,
		HasImage:   meta.HasImage,
		ProjectID:  meta.ProjectID,
	}
}
