package domain

// Codec identifies the codec negotiated for a stream.
type Codec struct {
	PayloadType uint32
	Name        string
	ClockRate   uint32
}

// PerformanceStats is the averaged encode (publisher) or decode (subscriber)
// cost of the most relevant video stream.
type PerformanceStats struct {
	TrackType      TrackType
	Codec          *Codec
	AvgFrameTimeMs float32
	AvgFPS         float32
	VideoDimension VideoDimension
	TargetBitrate  int32
}
