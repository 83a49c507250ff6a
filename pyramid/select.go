package pyramid

// SelectMosaic picks the mosaic serving a request at the given
// resolution, in CRS units per pixel. Among the mosaics at least as fine
// as requested it returns the coarsest one; when every mosaic is coarser
// than requested it returns the finest. A resolution <= 0 asks for the
// finest mosaic. Ties keep the first mosaic in backend order. It returns
// nil when there is no mosaic.
func SelectMosaic(mosaics []*Mosaic, resolution float64) *Mosaic {
	var fine, finest *Mosaic
	for _, m := range mosaics {
		r := m.Resolution()
		if finest == nil || r < finest.Resolution() {
			finest = m
		}
		if resolution > 0 && r <= resolution && (fine == nil || r > fine.Resolution()) {
			fine = m
		}
	}
	if fine != nil {
		return fine
	}
	return finest
}
