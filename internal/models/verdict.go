package models

// ClassificationVerdict is the outcome of classifying one capture session.
// Unknown implies TotalFrames == 0; Generic implies frames were observed
// but no signature was accepted.
type ClassificationVerdict struct {
	Vendor          Vendor  `json:"vendor"`
	Score           float64 `json:"score"`
	Confidence      float64 `json:"confidence"`
	DistinctIDs     int     `json:"distinct_ids"`
	TotalFrames     int     `json:"total_frames"`
	MalformedFrames int     `json:"malformed_frames"`
	ErrorFrames     int     `json:"error_frames"`
	PatternHits     int     `json:"pattern_hits,omitempty"`
}

// Identified reports whether the verdict names a concrete vendor
func (v ClassificationVerdict) Identified() bool {
	return !v.Vendor.IsSentinel()
}
