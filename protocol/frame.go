package protocol

// FramePacket carries one encoded snapshot. Image is base64 in JSON.
type FramePacket struct {
	DeviceID    string `json:"deviceId"`
	Image       []byte `json:"image"`
	FrameNumber uint64 `json:"frameNumber,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}
