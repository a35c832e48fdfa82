package variant

// FileDetails records one derived file of an original source.
type FileDetails struct {
	Original string
	File     string
	Host     string
	Build    string
	Spatial  SpatialProperties
}

// Equal compares every field.
func (fd FileDetails) Equal(o FileDetails) bool {
	return fd == o
}
