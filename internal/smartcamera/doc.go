// Package smartcamera holds the FlatBuffers accessors for the SmartCamera
// object detection schema (smartcamera.fbs).
//
// The accessors follow flatc's Go output so they can be regenerated with
//
//	flatc --go --go-namespace smartcamera -o . smartcamera.fbs
package smartcamera
