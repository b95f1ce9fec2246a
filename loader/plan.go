package loader

// Plan is the chunk layout of one artifact version.
type Plan struct {
	TotalSize   int64
	ChunkSize   int64
	TotalChunks int
}

// NewPlan computes ceil(size/chunkSize) chunks. chunkSize must be positive.
func NewPlan(size, chunkSize int64) Plan {
	return Plan{
		TotalSize:   size,
		ChunkSize:   chunkSize,
		TotalChunks: int((size + chunkSize - 1) / chunkSize),
	}
}

// Range returns the inclusive byte range of chunk i. Every chunk is
// ChunkSize long except possibly the last.
func (p Plan) Range(i int) (start, end int64) {
	start = int64(i) * p.ChunkSize
	end = min(start+p.ChunkSize, p.TotalSize) - 1
	return start, end
}

// Progress returns the percentage complete after filled chunks. An
// empty plan is complete.
func (p Plan) Progress(filled int) float64 {
	if p.TotalChunks == 0 {
		return 100
	}
	return float64(filled) / float64(p.TotalChunks) * 100
}
