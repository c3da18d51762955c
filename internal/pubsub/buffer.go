package pubsub

// LatestBuffer keeps the most recent measurement per channel of one kit.
// It is not synchronized; the owning kit state guards it.
type LatestBuffer struct {
	latest map[ChannelKey]Measurement
}

func NewLatestBuffer() *LatestBuffer {
	return &LatestBuffer{latest: make(map[ChannelKey]Measurement)}
}

func (buffer *LatestBuffer) Upsert(measurement Measurement) {
	buffer.latest[measurement.Key()] = measurement
}

func (buffer *LatestBuffer) Get(key ChannelKey) (Measurement, bool) {
	measurement, ok := buffer.latest[key]
	return measurement, ok
}

func (buffer *LatestBuffer) Snapshot() []Measurement {
	output := make([]Measurement, 0, len(buffer.latest))
	for _, measurement := range buffer.latest {
		output = append(output, measurement)
	}
	return output
}

func (buffer *LatestBuffer) Len() int {
	return len(buffer.latest)
}
