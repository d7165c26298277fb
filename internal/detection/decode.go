package detection

import (
	"encoding/base64"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/Spatial-NVR/occupancy/internal/smartcamera"
)

// Decode reads a SmartCamera ObjectDetectionTop buffer and returns the
// detections whose bounding box is a BoundingBox2d, in buffer order.
// Entries carrying any other bounding box kind are skipped. A missing
// perception table yields an empty result.
func Decode(buf []byte) (items []Item, err error) {
	if len(buf) < 2*flatbuffers.SizeUOffsetT {
		return nil, &DecodeError{Reason: fmt.Sprintf("buffer too short (%d bytes)", len(buf))}
	}
	root := flatbuffers.GetUOffsetT(buf)
	if int(root) > len(buf)-flatbuffers.SizeSOffsetT {
		return nil, &DecodeError{Reason: fmt.Sprintf("root offset %d out of range", root)}
	}

	// The accessors index the buffer directly and panic on offsets that
	// point past its end.
	defer func() {
		if r := recover(); r != nil {
			items = nil
			err = &DecodeError{Reason: "corrupt buffer", Err: fmt.Errorf("%v", r)}
		}
	}()

	top := smartcamera.GetRootAsObjectDetectionTop(buf, 0)
	data := top.Perception(nil)
	if data == nil {
		return []Item{}, nil
	}

	n := data.ObjectDetectionListLength()
	if !objectListFits(data, n, len(buf)) {
		return nil, &DecodeError{Reason: fmt.Sprintf("object list length %d out of range", n)}
	}
	items = make([]Item, 0, n)

	var obj smartcamera.GeneralObject
	var union flatbuffers.Table
	for i := 0; i < n; i++ {
		if !data.ObjectDetectionList(&obj, i) {
			continue
		}
		if obj.BoundingBoxType() != smartcamera.BoundingBoxBoundingBox2d {
			continue
		}
		if !obj.BoundingBox(&union) {
			continue
		}

		var box smartcamera.BoundingBox2d
		box.Init(union.Bytes, union.Pos)

		items = append(items, Item{
			ClassID:    obj.ClassId(),
			Confidence: float64(obj.Score()),
			Left:       int(box.Left()),
			Top:        int(box.Top()),
			Right:      int(box.Right()),
			Bottom:     int(box.Bottom()),
		})
	}

	return items, nil
}

// objectListSlot is the vtable slot of ObjectDetectionData.object_detection_list
const objectListSlot = 4

// objectListFits reports whether n offsets starting at the object list
// vector fit inside a buffer of size bytes. The length prefix is read from
// the buffer and must not be trusted for allocation.
func objectListFits(data *smartcamera.ObjectDetectionData, n, size int) bool {
	if n == 0 {
		return true
	}
	tab := data.Table()
	o := flatbuffers.UOffsetT(tab.Offset(objectListSlot))
	if o == 0 {
		return false
	}
	start := int(tab.Vector(o))
	return n > 0 && start <= size && n <= (size-start)/flatbuffers.SizeUOffsetT
}

// DecodeBase64 decodes the standard base64 text form carried in telemetry
// envelopes and then the detection record inside it.
func DecodeBase64(s string) ([]Item, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64", Err: err}
	}
	return Decode(buf)
}

// Encode builds a SmartCamera ObjectDetectionTop buffer holding the given
// items as BoundingBox2d detections.
func Encode(items []Item) []byte {
	b := flatbuffers.NewBuilder(64 + 48*len(items))

	objects := make([]flatbuffers.UOffsetT, len(items))
	for i, it := range items {
		smartcamera.BoundingBox2dStart(b)
		smartcamera.BoundingBox2dAddLeft(b, int32(it.Left))
		smartcamera.BoundingBox2dAddTop(b, int32(it.Top))
		smartcamera.BoundingBox2dAddRight(b, int32(it.Right))
		smartcamera.BoundingBox2dAddBottom(b, int32(it.Bottom))
		box := smartcamera.BoundingBox2dEnd(b)

		smartcamera.GeneralObjectStart(b)
		smartcamera.GeneralObjectAddClassId(b, it.ClassID)
		smartcamera.GeneralObjectAddBoundingBoxType(b, smartcamera.BoundingBoxBoundingBox2d)
		smartcamera.GeneralObjectAddBoundingBox(b, box)
		smartcamera.GeneralObjectAddScore(b, float32(it.Confidence))
		objects[i] = smartcamera.GeneralObjectEnd(b)
	}

	smartcamera.ObjectDetectionDataStartObjectDetectionListVector(b, len(objects))
	for i := len(objects) - 1; i >= 0; i-- {
		b.PrependUOffsetT(objects[i])
	}
	list := b.EndVector(len(objects))

	smartcamera.ObjectDetectionDataStart(b)
	smartcamera.ObjectDetectionDataAddObjectDetectionList(b, list)
	data := smartcamera.ObjectDetectionDataEnd(b)

	smartcamera.ObjectDetectionTopStart(b)
	smartcamera.ObjectDetectionTopAddPerception(b, data)
	top := smartcamera.ObjectDetectionTopEnd(b)

	smartcamera.FinishObjectDetectionTopBuffer(b, top)
	return b.FinishedBytes()
}

// EncodeBase64 is Encode followed by standard base64 encoding.
func EncodeBase64(items []Item) string {
	return base64.StdEncoding.EncodeToString(Encode(items))
}
